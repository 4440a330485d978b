// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"os"
	"strings"
	"time"

	"payrecon/internal/pkg/logger"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const defaultConfigFile = "configs/reconcile-admin.yaml"

// Config 是服务的完整配置，从 YAML 加载后再用环境变量覆盖
type Config struct {
	App       AppConfig       `yaml:"app"`
	Logger    logger.Config   `yaml:"logger"`
	Infra     InfraConfig     `yaml:"infra"`
	Provider  ProviderConfig  `yaml:"provider"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Auth      AuthConfig      `yaml:"auth"`
}

// AppConfig.StoreDriver 为空或 memory 时使用内存仓储
type AppConfig struct {
	Name        string `yaml:"name"`
	Port        int    `yaml:"port"`
	StoreDriver string `yaml:"store_driver"`
}

type InfraConfig struct {
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	Nacos     NacosConfig     `yaml:"nacos"`
	MySQL     MySQLConfig     `yaml:"mysql"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper"`
}

type JaegerConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type NacosConfig struct {
	ServerAddrs string `yaml:"server_addrs"`
	Namespace   string `yaml:"namespace"`
	Group       string `yaml:"group"`
	Register    bool   `yaml:"register"`
}

type MySQLConfig struct {
	DSN string `yaml:"dsn"`
}

type KafkaConfig struct {
	Brokers          []string `yaml:"brokers"`
	IntakeTopic      string   `yaml:"intake_topic"`
	TransitionsTopic string   `yaml:"transitions_topic"`
	GroupID          string   `yaml:"group_id"`
}

type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	DedupeTTL time.Duration `yaml:"dedupe_ttl"`
}

type ZooKeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

type ProviderConfig struct {
	BaseURL           string        `yaml:"base_url"`
	DiscoveryService  string        `yaml:"discovery_service"`
	ClientID          string        `yaml:"client_id"`
	ClientSecret      string        `yaml:"client_secret"`
	Timeout           time.Duration `yaml:"timeout"`
	ReverifyOnTimeout bool          `yaml:"reverify_on_timeout"`
}

type ReconcileConfig struct {
	MaxCASRetries  int           `yaml:"max_cas_retries"`
	ApprovalPolicy string        `yaml:"approval_policy"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
}

type AuthConfig struct {
	// token -> operator
	Tokens map[string]string `yaml:"tokens"`
}

// DefaultConfig 返回本地开发可以直接跑起来的默认值
func DefaultConfig() Config {
	return Config{
		App:    AppConfig{Name: "reconcile-admin", Port: 8090},
		Logger: logger.Config{Level: "info"},
		Infra: InfraConfig{
			Nacos: NacosConfig{Group: "DEFAULT_GROUP"},
			Kafka: KafkaConfig{
				IntakeTopic:      "order-awaiting-payment",
				TransitionsTopic: "order-transitions",
				GroupID:          "reconcile-admin",
			},
			Redis:     RedisConfig{DedupeTTL: 24 * time.Hour},
			ZooKeeper: ZooKeeperConfig{SessionTimeout: 10 * time.Second},
		},
		Provider: ProviderConfig{
			BaseURL:           "http://localhost:8095",
			Timeout:           10 * time.Second,
			ReverifyOnTimeout: true,
		},
		Reconcile: ReconcileConfig{
			MaxCASRetries:  3,
			ApprovalPolicy: "true",
			SweepInterval:  time.Minute,
		},
	}
}

// LoadConfig 读取 path 指向的 YAML；path 为空时读 CONFIG_FILE 或默认路径。
// 默认路径不存在时只使用默认值和环境变量。
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = getEnv("CONFIG_FILE", defaultConfigFile)
		_, explicit = os.LookupEnv("CONFIG_FILE")
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse config %s", path)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}

	applyEnvOverrides(&cfg)

	if cfg.Infra.MySQL.DSN != "" {
		dsn, err := NormalizeMySQLDSN(cfg.Infra.MySQL.DSN)
		if err != nil {
			return Config{}, err
		}
		cfg.Infra.MySQL.DSN = dsn
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Infra.Jaeger.Endpoint, "JAEGER_ENDPOINT")
	overrideString(&cfg.Infra.Nacos.ServerAddrs, "NACOS_SERVER_ADDRS")
	overrideString(&cfg.Infra.Nacos.Namespace, "NACOS_NAMESPACE")
	overrideString(&cfg.Infra.Nacos.Group, "NACOS_GROUP")
	overrideString(&cfg.Infra.MySQL.DSN, "MYSQL_DSN")
	overrideString(&cfg.Infra.Redis.Addr, "REDIS_ADDR")
	overrideString(&cfg.Provider.BaseURL, "PROVIDER_BASE_URL")
	overrideString(&cfg.Provider.ClientID, "PROVIDER_CLIENT_ID")
	overrideString(&cfg.Provider.ClientSecret, "PROVIDER_CLIENT_SECRET")
	overrideList(&cfg.Infra.Kafka.Brokers, "KAFKA_BROKERS")
	overrideList(&cfg.Infra.ZooKeeper.Servers, "ZOOKEEPER_SERVERS")
	if cfg.Infra.MySQL.DSN != "" && cfg.App.StoreDriver == "" {
		cfg.App.StoreDriver = "mysql"
	}
}

// Validate 只检查会导致服务行为错误的配置
func (c Config) Validate() error {
	if c.App.Port <= 0 {
		return errors.Errorf("app.port must be positive, got %d", c.App.Port)
	}
	if c.Provider.Timeout <= 0 {
		return errors.New("provider.timeout must be positive")
	}
	if c.Provider.BaseURL == "" && c.Provider.DiscoveryService == "" {
		return errors.New("one of provider.base_url or provider.discovery_service is required")
	}
	if c.Provider.DiscoveryService != "" && c.Infra.Nacos.ServerAddrs == "" {
		return errors.New("provider.discovery_service requires infra.nacos.server_addrs")
	}
	if c.Reconcile.MaxCASRetries < 1 {
		return errors.New("reconcile.max_cas_retries must be at least 1")
	}
	switch c.App.StoreDriver {
	case "", "memory":
	case "mysql":
		if c.Infra.MySQL.DSN == "" {
			return errors.New("store_driver mysql requires infra.mysql.dsn")
		}
	default:
		return errors.Errorf("unknown store_driver %q", c.App.StoreDriver)
	}
	return nil
}

// NormalizeMySQLDSN 强制 parseTime=true，GORM 需要把 DATETIME 扫描成 time.Time
func NormalizeMySQLDSN(dsn string) (string, error) {
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", errors.Wrap(err, "parse mysql dsn")
	}
	parsed.ParseTime = true
	if parsed.Loc == nil {
		parsed.Loc = time.UTC
	}
	return parsed.FormatDSN(), nil
}

func overrideString(dst *string, key string) {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		*dst = value
	}
}

func overrideList(dst *[]string, key string) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

// getEnv 是一个内部辅助函数，从环境变量中读取配置。
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
