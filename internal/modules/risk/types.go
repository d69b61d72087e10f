package risk

import (
	"time"

	"github.com/aristath/riskwatch/internal/config"
	"github.com/aristath/riskwatch/internal/modules/backtest"
	"github.com/aristath/riskwatch/internal/modules/covariance"
	"github.com/aristath/riskwatch/internal/modules/coverage"
	"github.com/aristath/riskwatch/internal/modules/forecast"
	"github.com/aristath/riskwatch/internal/modules/returns"
	"github.com/aristath/riskwatch/internal/modules/spd"
	"github.com/aristath/riskwatch/internal/modules/volatility"
)

// RepairedSnapshot is the outcome of regularizing one dated covariance
// matrix. Failed repairs keep their reason and a zero Result; they are
// reported, never silently dropped.
type RepairedSnapshot struct {
	Date          string     `json:"date"`
	Result        spd.Result `json:"result"`
	Failed        bool       `json:"failed"`
	FailureReason string     `json:"failure_reason,omitempty"`
}

// RegimeLabel classifies one date by realized volatility relative to the
// run's regime quantile, joined with the covariance condition number when a
// snapshot shares the date.
type RegimeLabel struct {
	Date            string  `json:"date"`
	RealizedVol     float64 `json:"realized_vol"`
	HighVol         bool    `json:"high_vol"`
	ConditionNumber float64 `json:"condition_number"` // NaN when no snapshot shares the date
}

// GridResult is one cell of the VaR model grid: a volatility source and
// distribution evaluated at one tail probability.
type GridResult struct {
	Source     volatility.Source     `json:"source"`
	Dist       forecast.Distribution `json:"dist"`
	Alpha      float64               `json:"alpha"`
	Record     *backtest.Record      `json:"-"`
	Coverage   coverage.TestResult   `json:"coverage"`
	Clustering returns.Series        `json:"-"` // rolling exceedance rate, empty if the record is too short
}

// RunResults holds everything one pipeline execution produced.
type RunResults struct {
	RunID            string
	CreatedAt        time.Time
	Benchmark        string
	Assets           []string
	Params           config.RiskParams
	Diagnostics      []covariance.Diagnostic
	Snapshots        []RepairedSnapshot
	CholeskyFailures int
	Regimes          []RegimeLabel
	Grid             []GridResult
}
