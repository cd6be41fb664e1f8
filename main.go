// Package main runs a Telegram bot that notifies subscribers about new posts
// from the X accounts they follow.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tele "gopkg.in/telebot.v4"

	"tweet-notifier/bot"
	"tweet-notifier/commands"
	"tweet-notifier/config"
	"tweet-notifier/notify"
	"tweet-notifier/poll"
	"tweet-notifier/server"
	"tweet-notifier/source/feed"
	"tweet-notifier/source/scrape"
	"tweet-notifier/source/xapi"
	store "tweet-notifier/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Service stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Service stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("Failed to close store", "error", err)
		}
	}()

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	src, err := newSource(cfg, httpClient, logger)
	if err != nil {
		return err
	}

	var tgBot *tele.Bot
	if cfg.TelegramToken != "" {
		tgBot, err = tele.NewBot(tele.Settings{
			Token:  cfg.TelegramToken,
			Poller: &tele.LongPoller{Timeout: 10 * time.Second},
		})
		if err != nil {
			return fmt.Errorf("create telegram bot: %w", err)
		}
	}

	provider, closeProvider, err := newProvider(cfg, tgBot, logger)
	if err != nil {
		return err
	}
	defer closeProvider()

	sender := notify.New(provider, cfg.DeliveryInterval, logger)
	monitor := poll.New(src, st, sender, poll.Config{
		CycleInterval:  cfg.CycleInterval,
		SourceInterval: cfg.SourceInterval,
		StartupDelay:   cfg.StartupDelay,
	}, logger)
	svc := commands.New(st, monitor, logger)

	var wg sync.WaitGroup
	if tgBot != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bot.New(svc, logger).Run(ctx, tgBot)
		}()
	} else {
		logger.Info("No TELEGRAM_TOKEN set, chat commands disabled")
	}

	srv := server.New(&server.Config{Checker: svc, Status: monitor, Logger: logger})
	errCh := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.ListenAndServe(ctx, cfg.Port); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
			cancel()
		}
	}()

	logger.Info("Service started",
		"source", src.Name(),
		"store", cfg.Store,
		"delivery", provider.Name(),
		"port", cfg.Port)

	runErr := monitor.Run(ctx)
	wg.Wait()

	select {
	case err := <-errCh:
		return errors.Join(runErr, err)
	default:
		return runErr
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store {
	case config.StorePostgres:
		return store.OpenSQL(ctx, store.DriverPostgres, cfg.DatabaseURL, logger)
	case config.StoreGCS:
		client, err := store.NewGCSClient(ctx, cfg.StorageEndpoint)
		if err != nil {
			return nil, err
		}
		logger.Info("Using Cloud Storage", "bucket", cfg.StorageBucket)
		return store.NewGCS(client, cfg.StorageBucket, logger), nil
	default:
		logger.Info("Using SQLite", "path", cfg.SQLitePath)
		return store.OpenSQL(ctx, store.DriverSQLite, cfg.SQLitePath, logger)
	}
}

func newSource(cfg *config.Config, client *http.Client, logger *slog.Logger) (poll.Source, error) {
	switch cfg.Source {
	case config.SourceXAPI:
		return xapi.New(client, xapi.Config{
			BaseURL:     cfg.XAPIBaseURL,
			BearerToken: cfg.XBearerToken,
			MaxResults:  cfg.XMaxResults,
		}, logger), nil
	case config.SourceFeed:
		return feed.New(client, cfg.FeedURLTemplate, logger), nil
	case config.SourceScrape:
		return scrape.New(client, cfg.ScrapeBaseURL, logger), nil
	default:
		return nil, fmt.Errorf("unknown source %q", cfg.Source)
	}
}

func newProvider(cfg *config.Config, tgBot *tele.Bot, logger *slog.Logger) (notify.Provider, func(), error) {
	noop := func() {}
	switch cfg.Delivery {
	case config.DeliveryTelegram:
		if tgBot == nil {
			return nil, noop, errors.New("telegram delivery needs TELEGRAM_TOKEN")
		}
		return notify.NewTelegramProvider(tgBot, logger), noop, nil
	case config.DeliveryAMQP:
		p, err := notify.NewAMQPProvider(notify.AMQPConfig{
			URL:        cfg.AMQPURL,
			Exchange:   cfg.AMQPExchange,
			RoutingKey: cfg.AMQPRoutingKey,
			QueueName:  cfg.AMQPQueue,
		}, logger)
		if err != nil {
			return nil, noop, err
		}
		return p, func() {
			if err := p.Close(); err != nil {
				logger.Warn("Failed to close rabbitmq connection", "error", err)
			}
		}, nil
	default:
		logger.Info("Log delivery mode enabled, messages are not sent")
		return notify.NewLogProvider(logger), noop, nil
	}
}
