package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/microstock/exchange/params"
	"github.com/microstock/exchange/pkg/api"
	"github.com/microstock/exchange/pkg/exchange"
	"github.com/microstock/exchange/pkg/exchange/store"
	"github.com/microstock/exchange/pkg/feed"
	"github.com/microstock/exchange/pkg/util"
)

func main() {
	envPath := flag.String("env", "", "path to .env file (default ./.env)")
	flag.Parse()

	if err := run(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run(envPath string) error {
	cfg, err := params.Load(envPath)
	if err != nil {
		return err
	}

	var zlog *zap.Logger
	if cfg.LogFile != "" {
		zlog, err = util.NewLoggerWithFile(cfg.LogFile)
	} else {
		zlog, err = util.NewLogger()
	}
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer zlog.Sync()
	log := zlog.Sugar()

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store %s: %w", cfg.DataDir, err)
	}
	defer st.Close()

	opts := []exchange.Option{
		exchange.WithStore(st),
		exchange.WithLogger(log),
		exchange.WithDefaultWallet(cfg.DefaultWalletDecimal()),
	}

	var pub *feed.Publisher
	if cfg.Kafka.Enabled {
		pub = feed.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		defer pub.Close()
		opts = append(opts, exchange.WithFillSink(pub))
	}

	ex, err := exchange.New(opts...)
	if err != nil {
		return fmt.Errorf("init exchange: %w", err)
	}

	// Restored state may already carry some of the configured tickers.
	for _, ticker := range cfg.Tickers {
		if err := ex.RegisterSecurity(ticker); err != nil && !errors.Is(err, exchange.ErrDuplicateSecurity) {
			return fmt.Errorf("register %s: %w", ticker, err)
		}
	}

	srv := api.NewServer(ex, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.ListenAddr)
	}()

	log.Infow("exchange_up", "addr", cfg.ListenAddr, "tickers", cfg.Tickers)

	select {
	case <-ctx.Done():
		log.Infow("shutting_down")
		return nil
	case err := <-errCh:
		return err
	}
}
