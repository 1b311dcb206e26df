package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds every tunable the engine recognizes. Loaded once at startup
// and treated as immutable afterwards.
type Config struct {
	// DeepSeek-compatible chat API
	LLMAPIKey  string
	LLMBaseURL string
	LLMModel   string

	// Binance Futures (live mode only)
	BinanceAPIKey     string
	BinanceSecretKey  string
	BinanceTestnet    bool
	BinanceMarginType string
	BinanceRecvWindow int

	// Trading
	TradingMode    string // simulation | live
	Coins          []string
	InitialBalance float64
	MaxLeverage    int
	MinConfidence  float64
	MaxPositions   int
	HTFInterval    string

	// Risk / sizing
	MinPositionMarginUSD     float64
	MinPartialMarginUSD      float64
	SameDirectionLimit       int
	ShortEnhancementMult     float64
	MaintenanceMarginRate    float64
	CashFloorPct             float64
	ConfidenceSizingFraction float64

	// Trend classification
	EMANeutralBandPct       float64
	IntradayNeutralRSIHi    float64
	IntradayNeutralRSILo    float64
	TrendFlipCooldown       int
	RegimeMultBullish       float64
	RegimeMultBearish       float64
	RegimeMultNeutral       float64
	CoinStopLossMultipliers map[string]float64

	// Scheduler
	ExitMonitorInterval int // seconds
	ExitMonitorEnabled  bool
	StallCycleLimit     int

	// Server
	APIPort       string
	AccessPasskey string

	// Logging
	LogLevel  string
	LogFormat string // json | console

	// State directory for JSON documents and sqlite archive
	StateDir string
}

var cfg *Config

// Load reads .env (if present) and builds the config from environment.
func Load() *Config {
	godotenv.Load()

	cfg = &Config{
		LLMAPIKey:  getEnv("DEEPSEEK_API_KEY", ""),
		LLMBaseURL: getEnv("DEEPSEEK_BASE_URL", "https://api.deepseek.com/v1"),
		LLMModel:   getEnv("DEEPSEEK_MODEL", "deepseek-chat"),

		BinanceAPIKey:     getEnv("BINANCE_API_KEY", ""),
		BinanceSecretKey:  getEnv("BINANCE_SECRET_KEY", ""),
		BinanceTestnet:    getEnvBool("BINANCE_TESTNET", false),
		BinanceMarginType: strings.ToUpper(getEnv("BINANCE_MARGIN_TYPE", "ISOLATED")),
		BinanceRecvWindow: getEnvInt("BINANCE_RECV_WINDOW", 10000),

		TradingMode:    strings.ToLower(getEnv("TRADING_MODE", "simulation")),
		Coins:          getEnvList("TRADING_COINS", []string{"XRP", "DOGE", "JASMY", "ADA", "LINK", "SOL"}),
		InitialBalance: getEnvFloat("INITIAL_BALANCE", 200.0),
		MaxLeverage:    getEnvInt("MAX_LEVERAGE", 20),
		MinConfidence:  getEnvFloat("MIN_CONFIDENCE", 0.4),
		MaxPositions:   getEnvInt("MAX_POSITIONS", 5),
		HTFInterval:    strings.ToLower(getEnv("HTF_INTERVAL", "4h")),

		MinPositionMarginUSD:     getEnvFloat("MIN_POSITION_MARGIN_USD", 10.0),
		MinPartialMarginUSD:      getEnvFloat("MIN_PARTIAL_MARGIN_USD", 15.0),
		SameDirectionLimit:       getEnvInt("SAME_DIRECTION_LIMIT", 4),
		ShortEnhancementMult:     getEnvFloat("SHORT_ENHANCEMENT_MULTIPLIER", 1.15),
		MaintenanceMarginRate:    getEnvFloat("MAINTENANCE_MARGIN_RATE", 0.01),
		CashFloorPct:             getEnvFloat("CASH_FLOOR_PCT", 0.10),
		ConfidenceSizingFraction: getEnvFloat("CONFIDENCE_SIZING_FRACTION", 0.40),

		EMANeutralBandPct:       getEnvFloat("EMA_NEUTRAL_BAND_PCT", 0.0015),
		IntradayNeutralRSIHi:    getEnvFloat("INTRADAY_NEUTRAL_RSI_HIGH", 60.0),
		IntradayNeutralRSILo:    getEnvFloat("INTRADAY_NEUTRAL_RSI_LOW", 40.0),
		TrendFlipCooldown:       getEnvInt("TREND_FLIP_COOLDOWN", 3),
		RegimeMultBullish:       getEnvFloat("REGIME_MULT_BULLISH", 1.0),
		RegimeMultBearish:       getEnvFloat("REGIME_MULT_BEARISH", 0.8),
		RegimeMultNeutral:       getEnvFloat("REGIME_MULT_NEUTRAL", 0.9),
		CoinStopLossMultipliers: getEnvFloatMap("COIN_SL_MULTIPLIERS", map[string]float64{}),

		ExitMonitorInterval: getEnvInt("EXIT_MONITOR_INTERVAL", 45),
		ExitMonitorEnabled:  getEnvBool("EXIT_MONITOR_ENABLED", true),
		StallCycleLimit:     getEnvInt("STALL_CYCLE_LIMIT", 10),

		APIPort:       getEnv("API_PORT", "8002"),
		AccessPasskey: getEnv("ACCESS_PASSKEY", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		StateDir: getEnv("STATE_DIR", "."),
	}

	return cfg
}

// Get returns the loaded config, loading it lazily on first use.
func Get() *Config {
	if cfg == nil {
		Load()
	}
	return cfg
}

// Validate checks that the configuration can support the selected mode.
// Errors here are fatal at startup.
func (c *Config) Validate() error {
	var errs []string

	if c.TradingMode != "simulation" && c.TradingMode != "live" {
		errs = append(errs, "TRADING_MODE must be either 'simulation' or 'live'")
	}
	if c.TradingMode == "live" {
		if c.BinanceAPIKey == "" || c.BinanceSecretKey == "" {
			errs = append(errs, "BINANCE_API_KEY and BINANCE_SECRET_KEY are required in live mode")
		}
		if c.BinanceMarginType != "ISOLATED" && c.BinanceMarginType != "CROSSED" {
			errs = append(errs, "BINANCE_MARGIN_TYPE must be ISOLATED or CROSSED")
		}
		if c.BinanceRecvWindow < 1000 {
			errs = append(errs, "BINANCE_RECV_WINDOW must be at least 1000 ms")
		}
	}
	if c.InitialBalance <= 0 {
		errs = append(errs, "INITIAL_BALANCE must be positive")
	}
	if c.MaxLeverage < 1 {
		errs = append(errs, "MAX_LEVERAGE must be at least 1")
	}
	if c.MaxPositions < 1 {
		errs = append(errs, "MAX_POSITIONS must be at least 1")
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		errs = append(errs, "MIN_CONFIDENCE must be in [0,1]")
	}
	switch c.HTFInterval {
	case "30m", "1h", "2h", "4h":
	default:
		errs = append(errs, "HTF_INTERVAL must be one of 30m, 1h, 2h, 4h")
	}
	if len(c.Coins) == 0 {
		errs = append(errs, "TRADING_COINS cannot be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// RegimeMultiplier returns the margin multiplier for an overall market regime.
func (c *Config) RegimeMultiplier(regime string) float64 {
	switch regime {
	case "BULLISH":
		return c.RegimeMultBullish
	case "BEARISH":
		return c.RegimeMultBearish
	default:
		return c.RegimeMultNeutral
	}
}

// StopLossMultiplier returns the per-coin stop-loss distance multiplier,
// defaulting to 1.0 (respect the AI-supplied stop).
func (c *Config) StopLossMultiplier(coin string) float64 {
	if m, ok := c.CoinStopLossMultipliers[coin]; ok && m > 0 {
		return m
	}
	return 1.0
}

// MaskedKey returns a log-safe rendering of an API key.
func MaskedKey(key string) string {
	if key == "" {
		return "not set"
	}
	if len(key) <= 8 {
		return "***"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		i, err := strconv.Atoi(val)
		if err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvFloatMap parses "SOL:1.2,ADA:0.8" style coin:value pairs. Malformed
// pairs are skipped.
func getEnvFloatMap(key string, defaultVal map[string]float64) map[string]float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	out := make(map[string]float64)
	for _, pair := range strings.Split(val, ",") {
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			continue
		}
		coin := strings.ToUpper(strings.TrimSpace(kv[0]))
		f, err := strconv.ParseFloat(strings.TrimSpace(kv[1]), 64)
		if err != nil || coin == "" {
			continue
		}
		out[coin] = f
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}

func getEnvList(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, strings.ToUpper(s))
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultVal
}
