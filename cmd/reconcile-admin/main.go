// cmd/reconcile-admin/main.go
package main

import (
	"context"
	"time"

	"payrecon/internal/pkg/bootstrap"
	"payrecon/internal/pkg/clock"
	"payrecon/internal/pkg/httpclient"
	"payrecon/internal/pkg/logger"
	"payrecon/internal/pkg/mq"
	"payrecon/internal/pkg/redis"
	"payrecon/internal/service/reconcile/application"
	"payrecon/internal/service/reconcile/domain"
	"payrecon/internal/service/reconcile/domain/port"
	"payrecon/internal/service/reconcile/infrastructure"
	"payrecon/internal/service/reconcile/infrastructure/adapter"
	"payrecon/internal/service/reconcile/interfaces"
	"payrecon/internal/zookeeper"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	serviceName    = "reconcile-admin"
	sweeperLockID  = "ambiguous-capture-sweeper"
	connectTimeout = 10 * time.Second
)

// main 函数是应用的"组装根" (Composition Root)
func main() {
	cfg, err := bootstrap.LoadConfig("")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName:      serviceName,
		Config:           cfg,
		RegisterHandlers: registerHandlers,
	})
}

func registerHandlers(app *bootstrap.AppCtx) error {
	cfg := app.Config
	clk := clock.NewSystem()
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	// 1. 存储
	repo, err := buildRepository(ctx, app)
	if err != nil {
		return err
	}

	// 2. 支付渠道
	var endpoint adapter.EndpointResolver = adapter.StaticEndpoint(cfg.Provider.BaseURL)
	if cfg.Provider.DiscoveryService != "" {
		if app.Nacos == nil {
			return errors.New("provider discovery requires a nacos client")
		}
		endpoint = adapter.DiscoveredEndpoint{Registry: app.Nacos, ServiceName: cfg.Provider.DiscoveryService}
	}
	provider := adapter.NewProviderHTTPAdapter(httpclient.NewClient(app.Tracer), endpoint, adapter.ProviderConfig{
		ClientID:     cfg.Provider.ClientID,
		ClientSecret: cfg.Provider.ClientSecret,
		Timeout:      cfg.Provider.Timeout,
	}, clk)

	policy, err := adapter.NewCELApprovalPolicy(cfg.Reconcile.ApprovalPolicy)
	if err != nil {
		return err
	}

	// 3. 状态流转事件：WebSocket 推送 + Kafka（可选）
	hub := interfaces.NewStreamHub()
	app.Go(hub.Run)
	publishers := adapter.FanoutPublisher{hub}
	if len(cfg.Infra.Kafka.Brokers) > 0 {
		kafkaPub := adapter.NewTransitionKafkaAdapter(mq.NewKafkaWriter(cfg.Infra.Kafka.Brokers, cfg.Infra.Kafka.TransitionsTopic))
		publishers = append(publishers, kafkaPub)
		app.OnShutdown(func(context.Context) error { return kafkaPub.Close() })
	}

	svc := application.NewReconciliationService(repo, provider, publishers, policy, clk, app.Tracer, application.Config{
		ProviderTimeout:   cfg.Provider.Timeout,
		ReverifyOnTimeout: cfg.Provider.ReverifyOnTimeout,
		MaxCASRetries:     cfg.Reconcile.MaxCASRetries,
	})

	// 4. 订单接入
	if len(cfg.Infra.Kafka.Brokers) > 0 {
		if err := startIntake(ctx, app, svc); err != nil {
			return err
		}
	} else if _, ok := repo.(*infrastructure.MemoryOrderRepository); ok {
		seedDemoOrders(ctx, svc, clk)
	}

	// 5. 扣款结果未知订单的后台复核
	var locker port.Locker
	if len(cfg.Infra.ZooKeeper.Servers) > 0 {
		conn, err := zookeeper.Connect(ctx, cfg.Infra.ZooKeeper.Servers, cfg.Infra.ZooKeeper.SessionTimeout)
		if err != nil {
			return err
		}
		app.OnShutdown(func(context.Context) error { conn.Close(); return nil })
		lock, err := zookeeper.NewDistributedLock(conn, sweeperLockID)
		if err != nil {
			return err
		}
		locker = lock
	}
	app.Go(application.NewAmbiguousCaptureSweeper(svc, locker, cfg.Reconcile.SweepInterval).Run)

	// 6. HTTP
	interfaces.NewAdminHandler(svc, interfaces.StaticTokenAuthenticator(cfg.Auth.Tokens), hub, app.Tracer).RegisterRoutes(app.Mux)
	app.Wrap(interfaces.RequestLogger)
	return nil
}

func buildRepository(ctx context.Context, app *bootstrap.AppCtx) (domain.OrderRepository, error) {
	if app.Config.App.StoreDriver != "mysql" {
		logger.Ctx(ctx).Warn().Msg("using in-memory order store, data is lost on restart")
		return infrastructure.NewMemoryOrderRepository(), nil
	}
	db, err := infrastructure.OpenMySQL(ctx, app.Config.Infra.MySQL.DSN)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	app.OnShutdown(func(context.Context) error { return sqlDB.Close() })

	repo := infrastructure.NewGormOrderRepository(db)
	if err := repo.Migrate(ctx); err != nil {
		return nil, errors.Wrap(err, "migrate order tables")
	}
	return repo, nil
}

func startIntake(ctx context.Context, app *bootstrap.AppCtx, svc *application.ReconciliationService) error {
	kc := app.Config.Infra.Kafka
	reader := mq.NewKafkaReader(kc.Brokers, kc.IntakeTopic, kc.GroupID)

	consumer := interfaces.NewIntakeConsumer(reader, nil, svc, kc.IntakeTopic)
	if addr := app.Config.Infra.Redis.Addr; addr != "" {
		rdb, err := redis.NewClient(ctx, addr)
		if err != nil {
			_ = reader.Close()
			return err
		}
		app.OnShutdown(func(context.Context) error { return rdb.Close() })
		consumer = interfaces.NewIntakeConsumer(reader, redis.NewDedupeStore(rdb, app.Config.Infra.Redis.DedupeTTL), svc, kc.IntakeTopic)
	}
	app.Go(consumer.Run)
	return nil
}

// seedDemoOrders 没有上游 Kafka 时给内存仓储放几条演示订单
func seedDemoOrders(ctx context.Context, svc *application.ReconciliationService, clk clock.Clock) {
	now := clk.Now()
	demo := []domain.OrderAwaitingPayment{
		{OrderID: "42", ProviderOrderID: "PP-1"},
		{OrderID: "43"},
		{OrderID: "44", ProviderOrderID: "PP-44"},
	}
	for i, e := range demo {
		e.EventID = "demo-" + e.OrderID
		e.CustomerName = "Demo Customer"
		e.CustomerEmail = "demo@example.com"
		e.Total = "42.50"
		e.Currency = "USD"
		e.Items = []domain.AwaitingItem{{ProductID: "sku-demo", Quantity: 1}}
		e.CreatedAt = now.Add(time.Duration(i) * time.Second)
		if _, err := svc.RecordAwaitingOrder(ctx, e); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("order_id", e.OrderID).Msg("seed demo order")
		}
	}
	logger.Ctx(ctx).Info().Int("orders", len(demo)).Msg("seeded demo orders")
}
