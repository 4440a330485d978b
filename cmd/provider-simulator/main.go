// cmd/provider-simulator/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"payrecon/internal/pkg/logger"
	"payrecon/internal/simulator"

	"github.com/rs/zerolog/log"
)

// 本地联调用的支付渠道，演示订单和 reconcile-admin 的种子数据对应
func main() {
	logger.Init("provider-simulator", logger.Config{Level: os.Getenv("LOG_LEVEL"), Pretty: os.Getenv("LOG_PRETTY") == "true"})

	sim := simulator.New(simulator.Options{
		ClientID:     os.Getenv("SIM_CLIENT_ID"),
		ClientSecret: os.Getenv("SIM_CLIENT_SECRET"),
		HangFor:      envDuration("SIM_HANG_FOR", 30*time.Second),
		FailureRate:  envFloat("PAYMENT_GATEWAY_FAILURE_RATE", 0),
	})
	sim.Put(simulator.Order{ID: "PP-1", Amount: "42.50", Currency: "USD"})
	sim.Put(simulator.Order{ID: "PP-44", Amount: "42.50", Currency: "USD", Fault: simulator.FaultTimeoutOnce})

	addr := ":" + getEnv("SIM_PORT", "8095")
	srv := &http.Server{Addr: addr, Handler: sim.Router(), ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		log.Info().Str("addr", addr).Msg("🚀 provider simulator listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("provider simulator stopped")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown provider simulator")
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return d
}

func envFloat(key string, fallback float64) float64 {
	f, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil {
		return fallback
	}
	return f
}
