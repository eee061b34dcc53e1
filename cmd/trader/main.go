package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/joho/godotenv"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"main/internal/chaos"
	"main/internal/engine"
	"main/internal/gateway"
	"main/internal/ledger"
	"main/internal/ops"
	"main/internal/schema"
	"main/pkg/conn"
)

type runtimeConfig struct {
	v atomic.Value
}

func newRuntimeConfig(snap ops.Snapshot) *runtimeConfig {
	var rc runtimeConfig
	rc.v.Store(snap)
	return &rc
}

func (r *runtimeConfig) Load() ops.Snapshot {
	return r.v.Load().(ops.Snapshot)
}

func (r *runtimeConfig) Update(snap ops.Snapshot) {
	r.v.Store(snap)
}

func main() {
	configPath := flag.String("config", "config.json", "Path to JSON config")
	configReload := flag.Duration("config-reload-interval", 2*time.Second, "Config reload interval (0=disable)")
	envFile := flag.String("env", "", "Optional .env file with credentials")
	paper := flag.Bool("paper", false, "Trade against the in-memory paper gateway")
	chaosRate := flag.Float64("chaos-rate", 0, "Inject transient gateway faults at this rate (paper only)")
	chaosSeed := flag.Int64("chaos-seed", 0, "Seed for fault injection (0=time-based)")
	statusEvery := flag.Duration("status-interval", time.Minute, "Status log interval (0=disable)")
	pyroscopeAddr := flag.String("pyroscope", "", "Pyroscope server address (empty=disabled)")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Fatalf("env file load failed: %v", err)
		}
	}

	if *pyroscopeAddr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "grid-trader",
			ServerAddress:   *pyroscopeAddr,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			log.Fatalf("pyroscope start failed: %v", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	snap, err := ops.Load(*configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	runtime := newRuntimeConfig(snap)

	gw, err := buildGateway(snap, *paper, *chaosRate, *chaosSeed)
	if err != nil {
		log.Fatalf("gateway build failed: %v", err)
	}

	var archive ledger.ArchiveStore
	if snap.Ledger.UsePostgres {
		pg, err := ledger.OpenPostgresArchive(conn.Option{})
		if err != nil {
			log.Fatalf("postgres archive open failed: %v", err)
		}
		defer func() {
			_ = pg.Close()
		}()
		archive = pg
	}

	eng, err := engine.New(engine.Options{
		Config:  snap,
		Gateway: gw,
		Archive: archive,
	})
	if err != nil {
		log.Fatalf("engine build failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		select {
		case <-sys.Shutdown():
			stop()
		case <-ctx.Done():
		}
	}()

	go consumeEvents(eng.Events())

	if *configReload > 0 {
		go watchConfig(ctx, *configPath, *configReload, func(next ops.Snapshot) {
			runtime.Update(next)
			if err := eng.ApplyConfig(next); err != nil {
				logs.Warnf("config apply failed, err: %+v", err)
			}
		})
	}
	if *statusEvery > 0 {
		go logStatus(ctx, eng, *statusEvery)
	}

	logs.Infof("engine starting with %d symbols", len(snap.Symbols))
	if err := eng.Run(ctx); err != nil {
		log.Fatalf("engine run failed: %v", err)
	}
}

func buildGateway(snap ops.Snapshot, paper bool, chaosRate float64, chaosSeed int64) (gateway.Gateway, error) {
	if !paper {
		return gateway.NewBinance(gateway.BinanceConfig{
			BaseURL:     snap.Exchange.BaseURL,
			APIKey:      snap.Exchange.APIKey,
			Secret:      snap.Exchange.SecretKey,
			CallTimeout: snap.Exchange.Timeout,
		}), nil
	}

	sim := gateway.NewPaper()
	seedPaper(sim, snap)
	if chaosRate <= 0 {
		return sim, nil
	}
	return chaos.Wrap(sim, chaos.Config{
		Seed:     chaosSeed,
		FailRate: chaosRate,
		MaxDelay: 200 * time.Millisecond,
	})
}

// seedPaper gives the simulated exchange a starting book: quote funds sized
// from the allocator pool and flat synthetic history around each base price.
func seedPaper(sim *gateway.Paper, snap ops.Snapshot) {
	for _, spec := range snap.Symbols {
		price := spec.BasePrice
		if price <= 0 {
			price = 100
		}
		sim.SetPrice(spec.Symbol, price)
		sim.SetCandles(spec.Symbol, syntheticCandles(price, 60))
		sim.SetInstrument(gateway.Instrument{
			Symbol:          spec.Symbol,
			BaseAsset:       spec.BaseAsset,
			QuoteAsset:      spec.QuoteAsset,
			PricePrecision:  2,
			AmountPrecision: 5,
		})
		sim.SetBalance(gateway.BalanceSpot, spec.QuoteAsset, snap.Allocator.TotalFunds)
	}
}

func syntheticCandles(price float64, n int) []gateway.Candle {
	candles := make([]gateway.Candle, n)
	start := time.Now().Add(-time.Duration(n) * time.Hour)
	for i := range candles {
		candles[i] = gateway.Candle{
			OpenTime: start.Add(time.Duration(i) * time.Hour).UnixMilli(),
			Open:     price,
			High:     price,
			Low:      price,
			Close:    price,
			Volume:   1,
		}
	}
	return candles
}

func consumeEvents(events <-chan schema.Event) {
	for event := range events {
		switch event.Severity {
		case schema.SeverityCritical:
			logs.Errorf("[%s] %s: %s", event.Symbol, event.Type, event.Reason)
		case schema.SeverityWarn:
			logs.Warnf("[%s] %s: %s", event.Symbol, event.Type, event.Reason)
		default:
			logs.Infof("[%s] %s: %s", event.Symbol, event.Type, event.Reason)
		}
	}
}

func logStatus(ctx context.Context, eng *engine.Engine, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := eng.Status()
			for _, c := range status.Controllers {
				logs.Infof("[%s] state=%s grid=%.4f lastBuy=%.4f lastSell=%.4f errs=%d",
					c.Symbol, c.State, c.GridSize, c.LastBuyPrice, c.LastSellPrice, c.ConsecutiveErrors)
			}
			for _, u := range status.Utilization {
				logs.Infof("[%s] allocated=%s used=%s reserved=%s ratio=%.4f",
					u.Symbol, u.Allocated, u.Used, u.Reserved, u.Ratio)
			}
		}
	}
}

func watchConfig(ctx context.Context, path string, interval time.Duration, update func(ops.Snapshot)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastMod time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				logs.Warnf("config stat failed, err: %+v", err)
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			if lastMod.IsZero() {
				// First tick observes the snapshot already loaded at start.
				lastMod = info.ModTime()
				continue
			}
			snap, err := ops.Load(path)
			if err != nil {
				logs.Warnf("config reload rejected, err: %+v", err)
				continue
			}
			update(snap)
			lastMod = info.ModTime()
			logs.Infof("config reloaded: %s", path)
		}
	}
}
