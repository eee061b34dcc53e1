package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/engine"
	"main/internal/gateway"
	"main/internal/ops"
)

const historyWindow = 240

// Replays a recorded candle file through the simulated exchange so a strategy
// configuration can be evaluated against historical data. The input is a JSON
// array of OHLCV bars as returned by the exchange kline endpoint.
func main() {
	candleFile := flag.String("candles", "", "Candle JSON file to replay")
	symbol := flag.String("symbol", "BNB/USDT", "Symbol to trade")
	baseAsset := flag.String("base-asset", "BNB", "Base asset")
	quoteAsset := flag.String("quote-asset", "USDT", "Quote asset")
	funds := flag.String("funds", "10000", "Total quote funds")
	gridSize := flag.Float64("grid", 0, "Grid step (0=0.5% of the first close)")
	barPace := flag.Duration("bar-pace", 50*time.Millisecond, "Delay between replayed bars")
	stateDir := flag.String("state-dir", "", "Session directory (default: temp)")
	flag.Parse()

	if *candleFile == "" {
		log.Fatal("missing -candles file")
	}
	candles, err := loadCandles(*candleFile)
	if err != nil {
		log.Fatalf("load candles failed: %v", err)
	}
	if len(candles) < historyWindow/4 {
		log.Fatalf("need at least %d bars, got %d", historyWindow/4, len(candles))
	}

	dir := *stateDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "replay-run-*")
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

	firstClose := candles[0].Close
	grid := *gridSize
	if grid <= 0 {
		grid = firstClose * 0.005
	}

	snap, err := ops.Resolve(ops.FileConfig{
		Funds: ops.FundsConfig{Total: total},
		Trend: ops.TrendConfig{Enabled: true},
		Ledger: ops.LedgerConfig{
			Path: dir + "/orders.json",
		},
		StateDir: dir,
		Symbols: []ops.SymbolConfig{{
			Symbol:          *symbol,
			BaseAsset:       *baseAsset,
			QuoteAsset:      *quoteAsset,
			BasePrice:       firstClose,
			GridSize:        grid,
			OrderAmount:     total.Div(decimal.NewFromInt(20)),
			MaxUsagePct:     1,
			CooldownSeconds: 1,
		}},
	})
	if err != nil {
		log.Fatalf("config resolve failed: %v", err)
	}
	// Replay runs faster than wall-clock trading.
	snap.Loop.Interval = *barPace / 2
	if snap.Loop.Interval <= 0 {
		snap.Loop.Interval = 10 * time.Millisecond
	}
	for i := range snap.Symbols {
		snap.Symbols[i].Cooldown = 0
		snap.Symbols[i].BalanceTTL = 0
		snap.Symbols[i].MaxOrdersPerWin = len(candles)
	}

	sim := gateway.NewPaper()
	sim.SetPrice(*symbol, firstClose)
	sim.SetInstrument(gateway.Instrument{
		Symbol:          *symbol,
		BaseAsset:       *baseAsset,
		QuoteAsset:      *quoteAsset,
		PricePrecision:  2,
		AmountPrecision: 5,
	})
	sim.SetBalance(gateway.BalanceSpot, *quoteAsset, total)

	eng, err := engine.New(engine.Options{Config: snap, Gateway: sim})
	if err != nil {
		log.Fatalf("engine build failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for event := range eng.Events() {
			logs.Debugf("[%s] %s: %s", event.Symbol, event.Type, event.Reason)
		}
	}()
	go func() {
		defer cancel()
		feedBars(ctx, sim, *symbol, candles, *barPace)
	}()

	logs.Infof("replaying %d bars of %s from %s", len(candles), *symbol, *candleFile)
	if err := eng.Run(ctx); err != nil {
		log.Fatalf("engine run failed: %v", err)
	}
	report(eng, *symbol)
}

func loadCandles(path string) ([]gateway.Candle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var candles []gateway.Candle
	if err := json.Unmarshal(data, &candles); err != nil {
		return nil, err
	}
	return candles, nil
}

// feedBars advances the simulated market one bar at a time, keeping a rolling
// history window behind the current price.
func feedBars(ctx context.Context, sim *gateway.Paper, symbol string, candles []gateway.Candle, pace time.Duration) {
	ticker := time.NewTicker(pace)
	defer ticker.Stop()
	for i := range candles {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		start := 0
		if i+1 > historyWindow {
			start = i + 1 - historyWindow
		}
		sim.SetPrice(symbol, candles[i].Close)
		sim.SetCandles(symbol, candles[start:i+1])
	}
	// Let in-flight iterations observe the final bar.
	select {
	case <-ctx.Done():
	case <-time.After(pace * 4):
	}
}

func report(eng *engine.Engine, symbol string) {
	stats := eng.Ledger().Stats(symbol)
	logs.Infof("trades=%d wins=%d losses=%d winRate=%.2f avgProfit=%s profitFactor=%.2f",
		stats.TotalTrades, stats.Wins, stats.Losses, stats.WinRate, stats.AvgProfit, stats.ProfitFactor)
	if c, ok := eng.Controller(symbol); ok {
		status := c.GetStatus()
		logs.Infof("final state=%s grid=%.4f lastBuy=%.4f lastSell=%.4f volatility=%.5f",
			status.State, status.GridSize, status.LastBuyPrice, status.LastSellPrice, status.Volatility)
	}
}
