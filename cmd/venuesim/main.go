package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hedge-bot/internal/config"
	"hedge-bot/internal/logging"
	"hedge-bot/internal/venue/sim"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8001", "listen address")
	name := flag.String("name", "sim", "venue name reported in logs and order ids")
	bid := flag.String("bid", "99", "initial best bid")
	ask := flag.String("ask", "101", "initial best ask")
	mode := flag.String("mode", "fill", "order behavior: fill, partial, never or reject")
	tick := flag.String("tick", "0.01", "price tick size")
	lot := flag.String("lot", "0.001", "quantity lot size")
	minSize := flag.String("min", "0", "minimum order size")
	flag.Parse()

	log := logging.New(config.LoggingConfig{Level: "info"})
	defer func() { _ = log.Sync() }()

	m, err := sim.ParseMode(*mode)
	if err != nil {
		fatal(err)
	}
	opts := sim.Options{
		Name:     *name,
		TickSize: mustDecimal("tick", *tick),
		LotSize:  mustDecimal("lot", *lot),
		MinSize:  mustDecimal("min", *minSize),
		Bid:      mustDecimal("bid", *bid),
		Ask:      mustDecimal("ask", *ask),
		Mode:     m,
	}
	if !opts.Bid.LessThan(opts.Ask) {
		fatal(fmt.Errorf("bid %s must be below ask %s", opts.Bid, opts.Ask))
	}
	s := sim.New(opts, nil, log)

	server := &http.Server{
		Addr:              *addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info("venue simulator listening",
		zap.String("address", *addr),
		zap.String("name", *name),
		zap.String("mode", string(m)),
	)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("venue simulator stopped", zap.Error(err))
		os.Exit(1)
	}
}

func mustDecimal(flagName, raw string) decimal.Decimal {
	v, err := decimal.NewFromString(raw)
	if err != nil {
		fatal(fmt.Errorf("-%s: %w", flagName, err))
	}
	return v
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
