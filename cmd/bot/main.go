package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"companion/internal/bootstrap"
	"companion/internal/infra"
	"companion/internal/telegram"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)
	if cfg.TelegramToken == "" {
		logger.Fatal().Msg("TELEGRAM_TOKEN is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := bootstrap.Build(ctx, cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("bot: failed to build application")
	}
	defer components.Close()

	client, err := telegram.NewClient(telegram.ClientOptions{
		Token:   cfg.TelegramToken,
		BaseURL: cfg.TelegramBaseURL,
		Logger:  &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("bot: telegram client")
	}

	meCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	me, err := client.GetMe(meCtx)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("bot: getMe failed, check TELEGRAM_TOKEN")
	}

	bot, err := telegram.NewBot(telegram.Options{
		API:           client,
		Session:       components.Session,
		Ledger:        components.Ledger,
		Catalog:       components.Policy,
		Images:        components.Images,
		Grants:        components.Billing,
		AdminIDs:      cfg.AdminIDs,
		DefaultLocale: cfg.DefaultLocale,
		PollTimeout:   cfg.TelegramPollTimeout,
		Concurrency:   cfg.TelegramConcurrency,
		Logger:        &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("bot: invalid options")
	}

	logger.Info().Str("username", me.Username).Int64("bot_id", me.ID).Str("store", cfg.StoreDriver).Msg("bot: started")
	if err := bot.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("bot: stopped with error")
	}
	logger.Info().Msg("bot: stopped")
}
