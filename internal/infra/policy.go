package infra

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/BB13/algobot-public/internal/domain"
)

// PolicyProvider exposes the operator policy surface. Every accessor reads
// the current value, never a construction-time snapshot, so an operator can
// change policy while the process runs.
type PolicyProvider interface {
	AllowLong() bool
	AllowShort() bool
	DefaultTradeAmount() decimal.Decimal
	MaxTradeAmount() decimal.Decimal
	// TakeProfitTable returns cumulative exit percentages per level for a
	// 3- or 4-level configuration.
	TakeProfitTable(maxTP int) map[int]decimal.Decimal
	StopLossPercentage() decimal.Decimal
	MaxStopLossPercentage() decimal.Decimal
	LongTermTradeHours() int
	DefaultLeverage() int
	MaxLeverage() int
	MarginType() domain.MarginType
	UseMarginForLongs() bool
	SafetyCheckInterval() time.Duration
	ShutdownClosePositions() bool
	ShutdownCloseMethod() string
}

// ViperPolicy reads user_config.yaml through viper with live reload on
// file change. Missing keys fall back to built-in defaults.
type ViperPolicy struct {
	mu sync.RWMutex
	v  *viper.Viper
}

// NewViperPolicy loads the policy file. A missing file is tolerated; all
// defaults apply until one appears.
func NewViperPolicy(path string) (*ViperPolicy, error) {
	v := viper.New()
	v.SetConfigFile(path)

	setPolicyDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("Policy file not readable, using defaults", "path", path, "err", err)
		}
	} else {
		slog.Info("Loaded policy configuration", "path", path)
	}

	p := &ViperPolicy{v: v}

	v.OnConfigChange(func(e fsnotify.Event) {
		p.mu.Lock()
		defer p.mu.Unlock()
		slog.Info("Policy configuration reloaded", "path", e.Name)
	})
	v.WatchConfig()

	return p, nil
}

func setPolicyDefaults(v *viper.Viper) {
	v.SetDefault("trading_parameters.allow_long_trades", true)
	v.SetDefault("trading_parameters.allow_short_trades", true)
	v.SetDefault("trading_parameters.default_trade_amount", 1000)
	v.SetDefault("trading_parameters.max_trade_amount", 1000)
	v.SetDefault("trading_parameters.take_profits.three_level", map[string]int{"1": 33, "2": 50, "3": 100})
	v.SetDefault("trading_parameters.take_profits.four_level", map[string]int{"1": 25, "2": 33, "3": 50, "4": 100})
	v.SetDefault("trading_parameters.stop_loss.percentage", 3)
	v.SetDefault("trading_parameters.stop_loss.max_percentage", 10)
	v.SetDefault("trading_parameters.stop_loss.long_term_trade_hrs", 72)
	v.SetDefault("trading_parameters.margin.default_leverage", 3)
	v.SetDefault("trading_parameters.margin.max_leverage", 10)
	v.SetDefault("trading_parameters.margin.margin_type", "CROSSED")
	v.SetDefault("trading_parameters.margin.use_margin_for_longs", false)
	v.SetDefault("safety.check_interval", 60)
	v.SetDefault("shutdown.close_positions", false)
	v.SetDefault("shutdown.close_method", "virtual")
}

func (p *ViperPolicy) getBool(key string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.v.GetBool(key)
}

func (p *ViperPolicy) getInt(key string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.v.GetInt(key)
}

func (p *ViperPolicy) getString(key string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.v.GetString(key)
}

func (p *ViperPolicy) getDecimal(key string) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return decimal.NewFromFloat(p.v.GetFloat64(key))
}

func (p *ViperPolicy) AllowLong() bool {
	return p.getBool("trading_parameters.allow_long_trades")
}

func (p *ViperPolicy) AllowShort() bool {
	return p.getBool("trading_parameters.allow_short_trades")
}

func (p *ViperPolicy) DefaultTradeAmount() decimal.Decimal {
	return p.getDecimal("trading_parameters.default_trade_amount")
}

func (p *ViperPolicy) MaxTradeAmount() decimal.Decimal {
	return p.getDecimal("trading_parameters.max_trade_amount")
}

func (p *ViperPolicy) TakeProfitTable(maxTP int) map[int]decimal.Decimal {
	key := "trading_parameters.take_profits.three_level"
	if maxTP == 4 {
		key = "trading_parameters.take_profits.four_level"
	}

	p.mu.RLock()
	raw := p.v.GetStringMap(key)
	p.mu.RUnlock()

	table := make(map[int]decimal.Decimal, len(raw))
	for levelStr, pct := range raw {
		level, err := strconv.Atoi(levelStr)
		if err != nil || level < 1 {
			slog.Warn("Ignoring bad take-profit level key", "level", levelStr)
			continue
		}
		switch val := pct.(type) {
		case int:
			table[level] = decimal.NewFromInt(int64(val))
		case int64:
			table[level] = decimal.NewFromInt(val)
		case float64:
			table[level] = decimal.NewFromFloat(val)
		default:
			slog.Warn("Ignoring non-numeric take-profit percentage", "level", levelStr)
		}
	}

	if len(table) != maxTP {
		return DefaultTakeProfitTable(maxTP)
	}
	return table
}

func (p *ViperPolicy) StopLossPercentage() decimal.Decimal {
	return p.getDecimal("trading_parameters.stop_loss.percentage")
}

func (p *ViperPolicy) MaxStopLossPercentage() decimal.Decimal {
	return p.getDecimal("trading_parameters.stop_loss.max_percentage")
}

func (p *ViperPolicy) LongTermTradeHours() int {
	return p.getInt("trading_parameters.stop_loss.long_term_trade_hrs")
}

func (p *ViperPolicy) DefaultLeverage() int {
	return p.getInt("trading_parameters.margin.default_leverage")
}

func (p *ViperPolicy) MaxLeverage() int {
	return p.getInt("trading_parameters.margin.max_leverage")
}

func (p *ViperPolicy) MarginType() domain.MarginType {
	return domain.MarginType(p.getString("trading_parameters.margin.margin_type"))
}

func (p *ViperPolicy) UseMarginForLongs() bool {
	return p.getBool("trading_parameters.margin.use_margin_for_longs")
}

func (p *ViperPolicy) SafetyCheckInterval() time.Duration {
	return time.Duration(p.getInt("safety.check_interval")) * time.Second
}

func (p *ViperPolicy) ShutdownClosePositions() bool {
	return p.getBool("shutdown.close_positions")
}

func (p *ViperPolicy) ShutdownCloseMethod() string {
	return p.getString("shutdown.close_method")
}

// DefaultTakeProfitTable returns the built-in cumulative percentage tables.
func DefaultTakeProfitTable(maxTP int) map[int]decimal.Decimal {
	if maxTP == 4 {
		return map[int]decimal.Decimal{
			1: decimal.NewFromInt(25),
			2: decimal.NewFromInt(33),
			3: decimal.NewFromInt(50),
			4: decimal.NewFromInt(100),
		}
	}
	return map[int]decimal.Decimal{
		1: decimal.NewFromInt(33),
		2: decimal.NewFromInt(50),
		3: decimal.NewFromInt(100),
	}
}

// StaticPolicy is a fixed-value PolicyProvider for tests and defaults.
type StaticPolicy struct {
	Long               bool
	Short              bool
	DefaultAmount      decimal.Decimal
	MaxAmount          decimal.Decimal
	TPTables           map[int]map[int]decimal.Decimal
	StopLossPct        decimal.Decimal
	MaxStopLossPct     decimal.Decimal
	LongTermHours      int
	Leverage           int
	LeverageMax        int
	Margin             domain.MarginType
	MarginForLongs     bool
	SafetyInterval     time.Duration
	CloseOnShutdown    bool
	ShutdownMethodName string
}

// NewStaticPolicy returns a StaticPolicy mirroring the built-in defaults.
func NewStaticPolicy() *StaticPolicy {
	return &StaticPolicy{
		Long:               true,
		Short:              true,
		DefaultAmount:      decimal.NewFromInt(1000),
		MaxAmount:          decimal.NewFromInt(1000),
		StopLossPct:        decimal.NewFromInt(3),
		MaxStopLossPct:     decimal.NewFromInt(10),
		LongTermHours:      72,
		Leverage:           3,
		LeverageMax:        10,
		Margin:             domain.MarginCrossed,
		SafetyInterval:     60 * time.Second,
		ShutdownMethodName: "virtual",
	}
}

func (s *StaticPolicy) AllowLong() bool                        { return s.Long }
func (s *StaticPolicy) AllowShort() bool                       { return s.Short }
func (s *StaticPolicy) DefaultTradeAmount() decimal.Decimal    { return s.DefaultAmount }
func (s *StaticPolicy) MaxTradeAmount() decimal.Decimal        { return s.MaxAmount }
func (s *StaticPolicy) StopLossPercentage() decimal.Decimal    { return s.StopLossPct }
func (s *StaticPolicy) MaxStopLossPercentage() decimal.Decimal { return s.MaxStopLossPct }
func (s *StaticPolicy) LongTermTradeHours() int                { return s.LongTermHours }
func (s *StaticPolicy) DefaultLeverage() int                   { return s.Leverage }
func (s *StaticPolicy) MaxLeverage() int                       { return s.LeverageMax }
func (s *StaticPolicy) MarginType() domain.MarginType          { return s.Margin }
func (s *StaticPolicy) UseMarginForLongs() bool                { return s.MarginForLongs }
func (s *StaticPolicy) SafetyCheckInterval() time.Duration     { return s.SafetyInterval }
func (s *StaticPolicy) ShutdownClosePositions() bool           { return s.CloseOnShutdown }
func (s *StaticPolicy) ShutdownCloseMethod() string            { return s.ShutdownMethodName }

func (s *StaticPolicy) TakeProfitTable(maxTP int) map[int]decimal.Decimal {
	if s.TPTables != nil {
		if table, ok := s.TPTables[maxTP]; ok {
			return table
		}
	}
	return DefaultTakeProfitTable(maxTP)
}
