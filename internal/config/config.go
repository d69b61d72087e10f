// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir       string   // Base directory for all databases (always absolute)
	HistoryDBPath string   // Path to the loader-maintained price/estimate database
	LogLevel      string
	Port          int
	DevMode       bool
	CronSchedule  string   // Cron expression for the nightly pipeline run ("" disables)
	Symbols       []string // Asset universe; the first symbol is the VaR benchmark
	Risk          RiskParams
}

// Benchmark returns the symbol the VaR backtest grid runs against.
func (c *Config) Benchmark() string {
	return c.Symbols[0]
}

// RiskParams holds the numeric parameters threaded through the risk pipeline.
// It is an immutable value: services receive it by value at construction and
// never mutate it.
type RiskParams struct {
	CovWindow            int       // Rolling covariance window (observations)
	RVWindow             int       // Realized volatility window (observations)
	ClusterWindow        int       // Rolling exceedance-rate window for the clustering diagnostic
	Annualization        float64   // Realized volatility annualization factor (1 = daily units)
	RepairMethod         string    // SPD repair method: "clip" or "jitter"
	EigenFloor           float64   // Epsilon floor for SPD repair
	JitterInitial        float64   // Starting diagonal jitter delta
	JitterGrowth         float64   // Geometric escalation factor for jitter
	JitterMaxEscalations int       // Escalation cap before repair is reported failed
	StudentTDOF          float64   // Degrees of freedom for Student-t VaR
	Alphas               []float64 // VaR tail probabilities
	RegimeQuantile       float64   // RV quantile separating the high-vol regime
	Significance         float64   // Rejection threshold for coverage tests
	Strict               bool      // Abort the run on per-date data-sparsity failures
}

// Normalize backfills zero-valued parameters with defaults. The defaults are
// starting points for calibration, not fixed semantics.
func (p RiskParams) Normalize() RiskParams {
	if p.CovWindow <= 0 {
		p.CovWindow = 21
	}
	if p.RVWindow <= 0 {
		p.RVWindow = 21
	}
	if p.ClusterWindow <= 0 {
		p.ClusterWindow = 63
	}
	if p.Annualization <= 0 {
		p.Annualization = 1.0
	}
	if p.RepairMethod == "" {
		p.RepairMethod = "clip"
	}
	if p.EigenFloor <= 0 {
		p.EigenFloor = 1e-8
	}
	if p.JitterInitial <= 0 {
		p.JitterInitial = 1e-10
	}
	if p.JitterGrowth <= 1 {
		p.JitterGrowth = 10.0
	}
	if p.JitterMaxEscalations <= 0 {
		p.JitterMaxEscalations = 12
	}
	if p.StudentTDOF <= 2 {
		p.StudentTDOF = 8.0
	}
	if len(p.Alphas) == 0 {
		p.Alphas = []float64{0.01, 0.05}
	}
	if p.RegimeQuantile <= 0 || p.RegimeQuantile >= 1 {
		p.RegimeQuantile = 0.70
	}
	if p.Significance <= 0 || p.Significance >= 1 {
		p.Significance = 0.05
	}
	return p
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("RISKWATCH_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory to absolute path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	historyDBPath := getEnv("RISKWATCH_HISTORY_DB", filepath.Join(absDataDir, "history.db"))

	cfg := &Config{
		DataDir:       absDataDir,
		HistoryDBPath: historyDBPath,
		LogLevel:      getEnv("RISKWATCH_LOG_LEVEL", "info"),
		Port:          getEnvInt("RISKWATCH_PORT", 8090),
		DevMode:       getEnv("RISKWATCH_DEV_MODE", "false") == "true",
		CronSchedule:  getEnv("RISKWATCH_CRON", "30 2 * * *"),
		Symbols:       splitSymbols(getEnv("RISKWATCH_SYMBOLS", "SPY")),
		Risk: RiskParams{
			CovWindow:            getEnvInt("RISKWATCH_COV_WINDOW", 0),
			RVWindow:             getEnvInt("RISKWATCH_RV_WINDOW", 0),
			ClusterWindow:        getEnvInt("RISKWATCH_CLUSTER_WINDOW", 0),
			Annualization:        getEnvFloat("RISKWATCH_ANNUALIZATION", 0),
			RepairMethod:         getEnv("RISKWATCH_REPAIR_METHOD", ""),
			EigenFloor:           getEnvFloat("RISKWATCH_EIGEN_FLOOR", 0),
			JitterInitial:        getEnvFloat("RISKWATCH_JITTER_INITIAL", 0),
			JitterGrowth:         getEnvFloat("RISKWATCH_JITTER_GROWTH", 0),
			JitterMaxEscalations: getEnvInt("RISKWATCH_JITTER_MAX_ESCALATIONS", 0),
			StudentTDOF:          getEnvFloat("RISKWATCH_STUDENT_T_DOF", 0),
			RegimeQuantile:       getEnvFloat("RISKWATCH_REGIME_QUANTILE", 0),
			Significance:         getEnvFloat("RISKWATCH_SIGNIFICANCE", 0),
			Strict:               getEnv("RISKWATCH_STRICT", "false") == "true",
		}.Normalize(),
	}

	return cfg, nil
}

// splitSymbols parses a comma-separated symbol list, trimming whitespace and
// dropping empty entries. An all-empty input falls back to SPY.
func splitSymbols(raw string) []string {
	var symbols []string
	for _, part := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(part); s != "" {
			symbols = append(symbols, s)
		}
	}
	if len(symbols) == 0 {
		symbols = []string{"SPY"}
	}
	return symbols
}

// getEnv retrieves an environment variable value, returning a fallback if the
// variable is not set or is empty.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvInt retrieves an integer environment variable, returning a fallback
// if the variable is not set or cannot be parsed.
func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvFloat retrieves a float environment variable, returning a fallback
// if the variable is not set or cannot be parsed.
func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
