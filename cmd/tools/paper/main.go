package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/chaos"
	"main/internal/engine"
	"main/internal/gateway"
	"main/internal/ops"
)

// Runs the engine against the simulated exchange with a random-walk price
// feed, useful for exercising the full order path without credentials.
func main() {
	symbol := flag.String("symbol", "BNB/USDT", "Symbol to trade")
	basePrice := flag.Float64("price", 600, "Starting price")
	funds := flag.String("funds", "10000", "Total quote funds")
	duration := flag.Duration("duration", 5*time.Minute, "Run duration (0=until interrupted)")
	interval := flag.Duration("interval", time.Second, "Loop interval")
	tick := flag.Duration("tick", 500*time.Millisecond, "Price tick interval")
	drift := flag.Float64("drift", 0.002, "Per-tick price volatility")
	seed := flag.Int64("seed", 1, "Random walk seed")
	chaosRate := flag.Float64("chaos-rate", 0, "Transient fault injection rate")
	stateDir := flag.String("state-dir", "", "Session directory (default: temp)")
	flag.Parse()

	dir := *stateDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "paper-run-*")
		if err != nil {
			log.Fatalf("temp dir failed: %v", err)
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	total, err := decimal.NewFromString(*funds)
	if err != nil {
		log.Fatalf("invalid funds: %v", err)
	}

	snap, err := ops.Resolve(ops.FileConfig{
		Funds: ops.FundsConfig{Total: total},
		Loop:  ops.LoopConfig{IntervalSeconds: int(interval.Seconds())},
		Trend: ops.TrendConfig{Enabled: true},
		Ledger: ops.LedgerConfig{
			Path: dir + "/orders.json",
		},
		StateDir: dir,
		Symbols: []ops.SymbolConfig{{
			Symbol:          *symbol,
			BaseAsset:       "BNB",
			QuoteAsset:      "USDT",
			BasePrice:       *basePrice,
			GridSize:        *basePrice * 0.005,
			OrderAmount:     total.Div(decimal.NewFromInt(20)),
			MaxUsagePct:     1,
			CooldownSeconds: 1,
		}},
	})
	if err != nil {
		log.Fatalf("config resolve failed: %v", err)
	}
	if snap.Loop.Interval < time.Second {
		snap.Loop.Interval = time.Second
	}

	sim := gateway.NewPaper()
	sim.SetPrice(*symbol, *basePrice)
	sim.SetInstrument(gateway.Instrument{
		Symbol:          *symbol,
		BaseAsset:       "BNB",
		QuoteAsset:      "USDT",
		PricePrecision:  2,
		AmountPrecision: 5,
	})
	sim.SetBalance(gateway.BalanceSpot, "USDT", total)

	var gw gateway.Gateway = sim
	if *chaosRate > 0 {
		gw, err = chaos.Wrap(sim, chaos.Config{
			Seed:     *seed,
			FailRate: *chaosRate,
			MaxDelay: 100 * time.Millisecond,
		})
		if err != nil {
			log.Fatalf("chaos wrap failed: %v", err)
		}
	}

	eng, err := engine.New(engine.Options{Config: snap, Gateway: gw})
	if err != nil {
		log.Fatalf("engine build failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	go walkPrices(ctx, sim, *symbol, *basePrice, *drift, *tick, *seed)
	go func() {
		for event := range eng.Events() {
			logs.Infof("[%s] %s: %s", event.Symbol, event.Type, event.Reason)
		}
	}()

	logs.Infof("paper run starting: %s @ %.2f", *symbol, *basePrice)
	if err := eng.Run(ctx); err != nil {
		log.Fatalf("engine run failed: %v", err)
	}
	report(eng, *symbol)
}

// walkPrices drives a geometric random walk and keeps a rolling candle
// history behind it so trend and band math see consistent data.
func walkPrices(ctx context.Context, sim *gateway.Paper, symbol string, price, drift float64, tick time.Duration, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	candles := make([]gateway.Candle, 0, 256)
	for i := 0; i < 60; i++ {
		candles = append(candles, flatCandle(price, 60-i))
	}
	sim.SetCandles(symbol, candles)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			price *= 1 + drift*(rng.Float64()*2-1)
			sim.SetPrice(symbol, price)
			candles = append(candles, flatCandle(price, 0))
			if len(candles) > 240 {
				candles = candles[len(candles)-240:]
			}
			sim.SetCandles(symbol, candles)
		}
	}
}

func flatCandle(price float64, hoursAgo int) gateway.Candle {
	return gateway.Candle{
		OpenTime: time.Now().Add(-time.Duration(hoursAgo) * time.Hour).UnixMilli(),
		Open:     price,
		High:     price,
		Low:      price,
		Close:    price,
		Volume:   1,
	}
}

func report(eng *engine.Engine, symbol string) {
	stats := eng.Ledger().Stats(symbol)
	logs.Infof("trades=%d wins=%d losses=%d winRate=%.2f avgProfit=%s profitFactor=%.2f",
		stats.TotalTrades, stats.Wins, stats.Losses, stats.WinRate, stats.AvgProfit, stats.ProfitFactor)
}
