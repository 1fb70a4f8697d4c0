package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"hedge-bot/internal/config"
	"hedge-bot/internal/logging"
	"hedge-bot/internal/pricing"
	"hedge-bot/internal/venue"
	"hedge-bot/internal/venue/httpvenue"

	"github.com/benbjohnson/clock"
)

type venueReport struct {
	Venue       venue.ID            `json:"venue"`
	Name        string              `json:"name"`
	Instrument  string              `json:"instrument"`
	Token       venue.ReadyToken    `json:"token"`
	Constraints pricing.Constraints `json:"constraints"`
	Quote       venue.BBO           `json:"quote"`
}

type report struct {
	Venues []venueReport `json:"venues"`
	Plan   *pricing.Plan `json:"plan,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// probe checks both venue services and prints the order plan a cycle would place,
// without placing anything.
func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to config file")
	timeout := flag.Duration("timeout", 15*time.Second, "overall probe timeout")
	flag.Parse()

	if err := config.LoadEnv(".env"); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(config.LoggingConfig{Level: "warn"})
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	clk := clock.New()
	sideA, ok := venue.ParseSide(cfg.Hedge.DirectionA)
	if !ok {
		fatal(fmt.Errorf("invalid hedge.direction_a %q", cfg.Hedge.DirectionA))
	}
	sides := map[venue.ID]venue.Side{venue.A: sideA, venue.B: sideA.Opposite()}

	var out report
	markets := make([]pricing.Market, 0, 2)
	for _, entry := range []struct {
		id  venue.ID
		cfg config.VenueConfig
	}{{venue.A, cfg.Venues.A}, {venue.B, cfg.Venues.B}} {
		client := httpvenue.New(httpvenue.Config{
			ID:      entry.id,
			Name:    entry.cfg.Name,
			BaseURL: entry.cfg.BaseURL,
			Timeout: entry.cfg.Timeout,
		}, clk, log)
		defer client.Close()

		instrument := strings.TrimSpace(entry.cfg.Instrument)
		if instrument == "" {
			instrument = cfg.Hedge.Instrument
		}
		if err := client.Health(ctx); err != nil {
			fatal(fmt.Errorf("venue %s (%s) health: %w", entry.id, entry.cfg.Name, err))
		}
		token, err := client.Init(ctx, instrument, cfg.Hedge.Quantity, sides[entry.id])
		if err != nil {
			fatal(fmt.Errorf("venue %s init: %w", entry.id, err))
		}
		quote, err := client.BBO(ctx, instrument)
		if err != nil {
			fatal(fmt.Errorf("venue %s bbo: %w", entry.id, err))
		}
		constraints := pricing.ConstraintsFor(token, entry.cfg.MinSize, entry.cfg.LotSize)
		out.Venues = append(out.Venues, venueReport{
			Venue:       entry.id,
			Name:        entry.cfg.Name,
			Instrument:  instrument,
			Token:       token,
			Constraints: constraints,
			Quote:       quote,
		})
		markets = append(markets, pricing.Market{
			Venue:       entry.id,
			Instrument:  instrument,
			Quotes:      client,
			Constraints: constraints,
		})
	}

	resolver := pricing.New(clk, cfg.Hedge.QuoteMaxAge, cfg.Hedge.FillTolerance, log)
	plan, err := resolver.Resolve(ctx, markets[0], markets[1], cfg.Hedge.Quantity, sideA)
	if err != nil {
		out.Error = err.Error()
	} else {
		out.Plan = &plan
	}
	pretty, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(pretty))
	if out.Error != "" {
		os.Exit(1)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
