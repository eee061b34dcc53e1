package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/advisor"
	"main/internal/allocator"
	"main/internal/ledger"
	"main/internal/risk"
	"main/internal/trend"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Exchange ExchangeConfig `json:"exchange"`
	Funds    FundsConfig    `json:"funds"`
	Risk     RiskConfig     `json:"risk"`
	Trend    TrendConfig    `json:"trend"`
	Advisor  AdvisorConfig  `json:"advisor"`
	Ledger   LedgerConfig   `json:"ledger"`
	Events   EventsConfig   `json:"events"`
	Loop     LoopConfig     `json:"loop"`
	StateDir string         `json:"stateDir"`
	Symbols  []SymbolConfig `json:"symbols"`
}

// ExchangeConfig selects and parameterizes the exchange gateway.
type ExchangeConfig struct {
	Name             string `json:"name"`
	BaseURL          string `json:"baseUrl"`
	APIKeyEnv        string `json:"apiKeyEnv"`
	SecretKeyEnv     string `json:"secretKeyEnv"`
	TimeoutSeconds   int    `json:"timeoutSeconds"`
	RecvWindowMillis int    `json:"recvWindowMillis"`
}

// FundsConfig parameterizes the capital allocator.
type FundsConfig struct {
	Total                 decimal.Decimal    `json:"total"`
	GlobalMaxUsage        float64            `json:"globalMaxUsage"`
	Policy                string             `json:"policy"`
	Weights               map[string]float64 `json:"weights"`
	RebalanceDelta        float64            `json:"rebalanceDelta"`
	RebalanceEveryMinutes int                `json:"rebalanceEveryMinutes"`
}

// RiskConfig parameterizes the position risk limiter.
type RiskConfig struct {
	GlobalCeiling    float64            `json:"globalCeiling"`
	Floor            float64            `json:"floor"`
	PerSymbolCeiling map[string]float64 `json:"perSymbolCeiling"`
}

// TrendConfig parameterizes the trend guard.
type TrendConfig struct {
	Enabled       bool    `json:"enabled"`
	FastPeriod    int     `json:"fastPeriod"`
	SlowPeriod    int     `json:"slowPeriod"`
	MinConfidence float64 `json:"minConfidence"`
}

// AdvisorConfig parameterizes the advisory strategy.
type AdvisorConfig struct {
	Enabled             bool    `json:"enabled"`
	MinConfidence       float64 `json:"minConfidence"`
	Lookback            int     `json:"lookback"`
	MaxCallsPerInterval int     `json:"maxCallsPerInterval"`
	IntervalMinutes     int     `json:"intervalMinutes"`
	MaxCallsPerDay      int     `json:"maxCallsPerDay"`
}

// LedgerConfig parameterizes the order ledger.
type LedgerConfig struct {
	Path        string `json:"path"`
	Window      int    `json:"window"`
	ArchiveDir  string `json:"archiveDir"`
	UsePostgres bool   `json:"usePostgres"`
}

// EventsConfig parameterizes the outbound event queue.
type EventsConfig struct {
	QueueSize int `json:"queueSize"`
}

// LoopConfig parameterizes the trading loops.
type LoopConfig struct {
	IntervalSeconds      int `json:"intervalSeconds"`
	MaxConsecutiveErrors int `json:"maxConsecutiveErrors"`
}

// SymbolConfig describes one traded symbol.
type SymbolConfig struct {
	Symbol           string          `json:"symbol"`
	BaseAsset        string          `json:"baseAsset"`
	QuoteAsset       string          `json:"quoteAsset"`
	BasePrice        float64         `json:"basePrice"`
	GridSize         float64         `json:"gridSize"`
	MinGridSize      float64         `json:"minGridSize"`
	MaxGridSize      float64         `json:"maxGridSize"`
	OrderAmount      decimal.Decimal `json:"orderAmount"`
	MaxUsagePct      float64         `json:"maxUsagePct"`
	StopLossPct      float64         `json:"stopLossPct"`
	TakeProfitPct    float64         `json:"takeProfitPct"`
	FlipThresholdPct float64         `json:"flipThresholdPct"`
	CooldownSeconds  int             `json:"cooldownSeconds"`
	BalanceTTLSecs   int             `json:"balanceTtlSeconds"`
	MaxOrdersPerWin  int             `json:"maxOrdersPerWindow"`
	ThrottleWinSecs  int             `json:"throttleWindowSeconds"`
}

// ExchangeSpec is the resolved gateway selection, credentials included.
type ExchangeSpec struct {
	Name       string
	BaseURL    string
	APIKey     string
	SecretKey  string
	Timeout    time.Duration
	RecvWindow time.Duration
}

// LedgerSpec is the resolved ledger definition.
type LedgerSpec struct {
	Config      ledger.Config
	UsePostgres bool
}

// LoopSpec is the resolved loop pacing.
type LoopSpec struct {
	Interval             time.Duration
	MaxConsecutiveErrors int
}

// SymbolSpec is the resolved, validated per-symbol definition.
type SymbolSpec struct {
	Symbol           string
	BaseAsset        string
	QuoteAsset       string
	BasePrice        float64
	GridSize         float64
	MinGridSize      float64
	MaxGridSize      float64
	OrderAmount      decimal.Decimal
	MaxUsagePct      float64
	StopLossPct      float64
	TakeProfitPct    float64
	FlipThresholdPct float64
	Cooldown         time.Duration
	BalanceTTL       time.Duration
	MaxOrdersPerWin  int
	ThrottleWindow   time.Duration
}

// Snapshot is the resolved configuration ready for use. Snapshots are
// immutable; reloads build a fresh one and swap it in whole.
type Snapshot struct {
	Exchange  ExchangeSpec
	Allocator allocator.Config
	Risk      risk.Thresholds
	Trend     trend.Config
	Advisor   advisor.Config
	Ledger    LedgerSpec
	QueueSize int
	Loop      LoopSpec
	StateDir  string
	Symbols   []SymbolSpec
}

// Symbol returns the spec for one symbol.
func (s Snapshot) Symbol(name string) (SymbolSpec, bool) {
	for _, spec := range s.Symbols {
		if spec.Symbol == name {
			return spec, true
		}
	}
	return SymbolSpec{}, false
}

// Load reads a JSON config file and resolves it into a validated snapshot.
func Load(path string) (Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Snapshot{}, err
	}
	return Resolve(cfg)
}

// Resolve validates a file config and produces the runtime snapshot.
func Resolve(cfg FileConfig) (Snapshot, error) {
	if len(cfg.Symbols) == 0 {
		return Snapshot{}, fmt.Errorf("config has no symbols")
	}

	policy, err := allocator.ParsePolicy(cfg.Funds.Policy)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		Exchange: ExchangeSpec{
			Name:       defaultString(cfg.Exchange.Name, "binance"),
			BaseURL:    cfg.Exchange.BaseURL,
			APIKey:     os.Getenv(defaultString(cfg.Exchange.APIKeyEnv, "BINANCE_API_KEY")),
			SecretKey:  os.Getenv(defaultString(cfg.Exchange.SecretKeyEnv, "BINANCE_SECRET_KEY")),
			Timeout:    time.Duration(defaultInt(cfg.Exchange.TimeoutSeconds, 10)) * time.Second,
			RecvWindow: time.Duration(defaultInt(cfg.Exchange.RecvWindowMillis, 5000)) * time.Millisecond,
		},
		Allocator: allocator.Config{
			TotalFunds:     cfg.Funds.Total,
			GlobalMaxUsage: cfg.Funds.GlobalMaxUsage,
			Policy:         policy,
			Weights:        cfg.Funds.Weights,
			RebalanceDelta: cfg.Funds.RebalanceDelta,
			RebalanceEvery: time.Duration(cfg.Funds.RebalanceEveryMinutes) * time.Minute,
		},
		Risk: risk.Thresholds{
			GlobalCeiling:    defaultFloat(cfg.Risk.GlobalCeiling, 0.9),
			Floor:            cfg.Risk.Floor,
			PerSymbolCeiling: cfg.Risk.PerSymbolCeiling,
		},
		Trend: trend.Config{
			Enabled:       cfg.Trend.Enabled,
			FastPeriod:    cfg.Trend.FastPeriod,
			SlowPeriod:    cfg.Trend.SlowPeriod,
			MinConfidence: cfg.Trend.MinConfidence,
		},
		Advisor: advisor.Config{
			Enabled:             cfg.Advisor.Enabled,
			MinConfidence:       cfg.Advisor.MinConfidence,
			Lookback:            cfg.Advisor.Lookback,
			MaxCallsPerInterval: cfg.Advisor.MaxCallsPerInterval,
			Interval:            time.Duration(cfg.Advisor.IntervalMinutes) * time.Minute,
			MaxCallsPerDay:      cfg.Advisor.MaxCallsPerDay,
		},
		Ledger: LedgerSpec{
			Config: ledger.Config{
				Path:       defaultString(cfg.Ledger.Path, "data/ledger/orders.json"),
				Window:     cfg.Ledger.Window,
				ArchiveDir: cfg.Ledger.ArchiveDir,
			},
			UsePostgres: cfg.Ledger.UsePostgres,
		},
		QueueSize: defaultInt(cfg.Events.QueueSize, 256),
		Loop: LoopSpec{
			Interval:             time.Duration(defaultInt(cfg.Loop.IntervalSeconds, 5)) * time.Second,
			MaxConsecutiveErrors: defaultInt(cfg.Loop.MaxConsecutiveErrors, 5),
		},
		StateDir: defaultString(cfg.StateDir, "data/state"),
	}

	seen := make(map[string]struct{}, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		spec, err := resolveSymbol(sym)
		if err != nil {
			return Snapshot{}, err
		}
		if _, ok := seen[spec.Symbol]; ok {
			return Snapshot{}, fmt.Errorf("duplicate symbol %s", spec.Symbol)
		}
		seen[spec.Symbol] = struct{}{}
		snap.Symbols = append(snap.Symbols, spec)
	}

	if err := snap.Allocator.Validate(); err != nil {
		return Snapshot{}, err
	}
	if err := snap.Risk.Validate(); err != nil {
		return Snapshot{}, err
	}
	if err := snap.Trend.Validate(); err != nil {
		return Snapshot{}, err
	}
	if err := snap.Advisor.Validate(); err != nil {
		return Snapshot{}, err
	}
	if err := snap.Ledger.Config.Validate(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func resolveSymbol(cfg SymbolConfig) (SymbolSpec, error) {
	if cfg.Symbol == "" {
		return SymbolSpec{}, fmt.Errorf("symbol name is empty")
	}
	if cfg.GridSize <= 0 {
		return SymbolSpec{}, fmt.Errorf("%s: grid size must be > 0, got %v", cfg.Symbol, cfg.GridSize)
	}
	if cfg.OrderAmount.Sign() <= 0 {
		return SymbolSpec{}, fmt.Errorf("%s: order amount must be > 0, got %s", cfg.Symbol, cfg.OrderAmount)
	}
	if cfg.MaxUsagePct <= 0 || cfg.MaxUsagePct > 1 {
		return SymbolSpec{}, fmt.Errorf("%s: max usage pct must be in (0, 1], got %v", cfg.Symbol, cfg.MaxUsagePct)
	}
	if cfg.StopLossPct < 0 || cfg.StopLossPct >= 1 {
		return SymbolSpec{}, fmt.Errorf("%s: stop loss pct must be in [0, 1), got %v", cfg.Symbol, cfg.StopLossPct)
	}

	spec := SymbolSpec{
		Symbol:           cfg.Symbol,
		BaseAsset:        cfg.BaseAsset,
		QuoteAsset:       defaultString(cfg.QuoteAsset, "USDT"),
		BasePrice:        cfg.BasePrice,
		GridSize:         cfg.GridSize,
		MinGridSize:      cfg.MinGridSize,
		MaxGridSize:      cfg.MaxGridSize,
		OrderAmount:      cfg.OrderAmount,
		MaxUsagePct:      cfg.MaxUsagePct,
		StopLossPct:      defaultFloat(cfg.StopLossPct, 0.1),
		TakeProfitPct:    cfg.TakeProfitPct,
		FlipThresholdPct: defaultFloat(cfg.FlipThresholdPct, 0.004),
		Cooldown:         time.Duration(defaultInt(cfg.CooldownSeconds, 60)) * time.Second,
		BalanceTTL:       time.Duration(defaultInt(cfg.BalanceTTLSecs, 5)) * time.Second,
		MaxOrdersPerWin:  defaultInt(cfg.MaxOrdersPerWin, 10),
		ThrottleWindow:   time.Duration(defaultInt(cfg.ThrottleWinSecs, 60)) * time.Second,
	}
	if spec.MinGridSize == 0 {
		spec.MinGridSize = spec.GridSize / 4
	}
	if spec.MaxGridSize == 0 {
		spec.MaxGridSize = spec.GridSize * 4
	}
	if spec.MinGridSize <= 0 || spec.MaxGridSize < spec.MinGridSize {
		return SymbolSpec{}, fmt.Errorf("%s: grid bounds must satisfy 0 < min <= max, got min=%v max=%v",
			cfg.Symbol, spec.MinGridSize, spec.MaxGridSize)
	}
	return spec, nil
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func defaultInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func defaultFloat(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}
