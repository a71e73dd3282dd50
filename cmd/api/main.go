package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"companion/internal/bootstrap"
	"companion/internal/http/handlers"
	httpapi "companion/internal/http/httpapi"
	"companion/internal/infra"
	"companion/internal/middleware"
)

func main() {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)
	if cfg.JWTSecret == "" {
		logger.Fatal().Msg("JWT_SECRET is required")
	}

	ctx := context.Background()
	components, err := bootstrap.Build(ctx, cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build application")
	}
	defer components.Close()

	var countries middleware.CountryLookup
	if components.Countries != nil {
		countries = components.Countries.Country
	}

	app := &handlers.App{
		Session: components.Session,
		Ledger:  components.Ledger,
		Catalog: components.Policy,
		Images:  components.Images,
		Billing: components.Billing,
		Gateway: components.Gateway,
		Logger:  &logger,
	}
	if components.Memory != nil {
		app.Memory = components.Memory
	}

	router := httpapi.NewRouter(app, httpapi.Options{
		JWTSecret:     cfg.JWTSecret,
		CORSOrigins:   cfg.CORSOrigins,
		DefaultLocale: cfg.DefaultLocale,
		RateLimit:     cfg.HTTPRateLimit,
		Countries:     countries,
		Logger:        &logger,
	})

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Str("store", cfg.StoreDriver).Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
