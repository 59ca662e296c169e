package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pricefeed/config"
	"pricefeed/internal/feed"
	"pricefeed/logger"

	"go.uber.org/zap"
)

func main() {
	// viper config
	cfg := config.Load()

	// zap logger
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer log.Sync()

	svc := feed.New(cfg, log)

	unsub := svc.SubscribeState(func(state feed.ConnectionState) {
		log.Info("feed state", zap.Stringer("state", state))
	})
	defer unsub()

	ctx := context.Background()
	if err := svc.Connect(ctx, cfg.Feed.Venue); err != nil {
		log.Fatal("feed connect failed", zap.Error(err))
	}

	// Periodically print the cache size for visibility
	go func() {
		for {
			time.Sleep(5 * time.Second)
			log.Info("current cached prices",
				zap.Int("symbols", len(svc.LatestPrices())),
				zap.String("venue", svc.Venue()),
				zap.Bool("connected", svc.IsConnected()),
			)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	svc.Disconnect()
}
