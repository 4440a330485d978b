// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"payrecon/internal/pkg/logger"
	"payrecon/internal/pkg/nacos"
	"payrecon/internal/pkg/tracing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Worker 是随服务一起运行的后台任务，ctx 取消时应尽快返回
type Worker func(ctx context.Context) error

// AppCtx 是传给各服务注册路由和后台任务的上下文
type AppCtx struct {
	Mux    *http.ServeMux
	Nacos  *nacos.Client // 未配置 Nacos 时为 nil
	Config Config
	Tracer trace.Tracer

	mu        sync.Mutex
	workers   []Worker
	closers   []func(context.Context) error
	wrapRoute func(http.Handler) http.Handler
}

// Go 注册一个后台任务
func (a *AppCtx) Go(w Worker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.workers = append(a.workers, w)
}

// OnShutdown 注册关停时的清理函数，按注册的逆序执行
func (a *AppCtx) OnShutdown(fn func(context.Context) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, fn)
}

// Wrap 给整个 mux 套一层中间件（例如请求日志）
func (a *AppCtx) Wrap(mw func(http.Handler) http.Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.wrapRoute = mw
}

// AppInfo 包含了启动一个微服务所需的所有特定信息。
type AppInfo struct {
	ServiceName string
	Config      Config
	// 允许每个服务注册自己独特的 HTTP 路由和后台任务
	RegisterHandlers func(appCtx *AppCtx) error
}

// StartService 封装了所有微服务的通用启动和优雅关停逻辑。
func StartService(info AppInfo) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx, info); err != nil {
		logger.Ctx(ctx).Fatal().Err(err).Msgf("service %s exited with error", info.ServiceName)
	}
}

// Run 启动服务并阻塞到 ctx 结束或某个后台任务失败
func Run(ctx context.Context, info AppInfo) error {
	cfg := info.Config
	logger.Init(info.ServiceName, cfg.Logger)
	log := logger.Ctx(ctx)

	// 1. Tracer
	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint)
	if err != nil {
		return errors.Wrap(err, "init tracer provider")
	}

	appCtx := &AppCtx{
		Mux:    http.NewServeMux(),
		Config: cfg,
		Tracer: otel.Tracer(info.ServiceName),
	}

	// 2. Nacos（可选）
	if cfg.Infra.Nacos.ServerAddrs != "" {
		client, err := nacos.NewNacosClient(cfg.Infra.Nacos.ServerAddrs, cfg.Infra.Nacos.Namespace, cfg.Infra.Nacos.Group)
		if err != nil {
			return errors.Wrap(err, "init nacos client")
		}
		appCtx.Nacos = client
		defer client.Close()
	}

	// 3. 通用路由 + 服务自己的路由
	appCtx.Mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	appCtx.Mux.Handle("GET /metrics", promhttp.Handler())
	if info.RegisterHandlers != nil {
		if err := info.RegisterHandlers(appCtx); err != nil {
			runClosers(appCtx.closers)
			return errors.Wrap(err, "register handlers")
		}
	}

	var handler http.Handler = appCtx.Mux
	if appCtx.wrapRoute != nil {
		handler = appCtx.wrapRoute(handler)
	}
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.App.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Msgf("🚀 %s listening on :%d", info.ServiceName, cfg.App.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrapf(err, "listen on %s", server.Addr)
		}
		return nil
	})
	for _, w := range appCtx.workers {
		g.Go(func() error { return w(gctx) })
	}

	// 4. 服务注册
	var registeredIP string
	if appCtx.Nacos != nil && cfg.Infra.Nacos.Register {
		ip, err := GetOutboundIP()
		if err != nil {
			log.Error().Err(err).Msg("failed to get outbound IP address, skip nacos registration")
		} else if err := appCtx.Nacos.RegisterServiceInstance(info.ServiceName, ip, cfg.App.Port); err != nil {
			log.Error().Err(err).Msg("failed to register service with nacos")
		} else {
			registeredIP = ip
		}
	}

	// 5. 优雅关停：任意一个任务失败或收到信号都会走到这里
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msgf("Shutting down service %s...", info.ServiceName)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if registeredIP != "" {
			if err := appCtx.Nacos.DeregisterServiceInstance(info.ServiceName, registeredIP, cfg.App.Port); err != nil {
				log.Error().Err(err).Msg("Error deregistering from Nacos")
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error shutting down http server")
		}
		runClosersCtx(shutdownCtx, appCtx.closers)
		// 最后关闭 Tracer Provider，确保所有缓冲的 trace 都被发送出去
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error shutting down tracer provider")
		}
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msgf("Service %s gracefully shut down.", info.ServiceName)
	return nil
}

func runClosers(closers []func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	runClosersCtx(ctx, closers)
}

func runClosersCtx(ctx context.Context, closers []func(context.Context) error) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("shutdown hook failed")
		}
	}
}

// GetOutboundIP 获取本机对外通信使用的 IP，用于服务注册
func GetOutboundIP() (string, error) {
	if ip := os.Getenv("POD_IP"); ip != "" {
		return ip, nil
	}
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
