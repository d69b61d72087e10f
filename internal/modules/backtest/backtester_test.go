package backtest

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/riskwatch/internal/modules/forecast"
	"github.com/aristath/riskwatch/internal/modules/returns"
	"github.com/aristath/riskwatch/internal/modules/volatility"
)

func testEngine(t *testing.T) *forecast.Engine {
	t.Helper()
	engine, err := forecast.NewEngine(8.0)
	require.NoError(t, err)
	return engine
}

func syntheticReturns(n int, seed int64) returns.Series {
	rng := rand.New(rand.NewSource(seed))
	s := returns.Series{
		Dates:  make([]string, n),
		Values: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		s.Dates[i] = fmt.Sprintf("2024-%02d-%02d", 1+i/28, 1+i%28)
		s.Values[i] = rng.NormFloat64() * 0.01
	}
	return s
}

func realizedVolAdapter(t *testing.T, rets returns.Series, window int) *volatility.Adapter {
	t.Helper()
	rv, err := returns.RealizedVolatility(rets, window, 1.0)
	require.NoError(t, err)
	adapter, err := volatility.NewScalarAdapter(volatility.SourceRealized, rv)
	require.NoError(t, err)
	return adapter
}

func TestRun_ForecastAndEvaluate(t *testing.T) {
	rets := syntheticReturns(30, 1)
	adapter := realizedVolAdapter(t, rets, 5)

	bt := New(testEngine(t), zerolog.Nop())
	record, err := bt.Run(rets, adapter, 0.05, forecast.DistGaussian)
	require.NoError(t, err)

	// RV exists from index 4; forecasts cover indices 5..29.
	assert.Equal(t, 25, record.Len())
	assert.Equal(t, rets.Dates[5], record.Entries()[0].Date)
	assert.Equal(t, rets.Dates[29], record.Entries()[record.Len()-1].Date)

	for _, e := range record.Entries() {
		assert.Greater(t, e.VaR.Value, 0.0)
		assert.Equal(t, e.Violated, e.Realized < -e.VaR.Value)
	}
}

func TestRun_Warmup_NoForecastsBeforeFirstEstimate(t *testing.T) {
	rets := syntheticReturns(30, 2)
	adapter := realizedVolAdapter(t, rets, 10)

	bt := New(testEngine(t), zerolog.Nop())
	record, err := bt.Run(rets, adapter, 0.05, forecast.DistGaussian)
	require.NoError(t, err)

	// First RV is at index 9, so the first forecast target is index 10.
	require.NotEmpty(t, record.Entries())
	assert.Equal(t, rets.Dates[10], record.Entries()[0].Date)
	assert.Equal(t, 0, record.Skipped, "warmup dates are not counted as skipped")
}

func TestRun_NoLookahead_AdversarialSeries(t *testing.T) {
	// Two series identical except for the last return. If any forecast ever
	// read a future return, the shared prefix of the two records would
	// differ detectably.
	base := syntheticReturns(40, 3)
	tampered := syntheticReturns(40, 3)
	tampered.Values[39] = -0.25 // Crash on the final day

	bt := New(testEngine(t), zerolog.Nop())

	recordA, err := bt.Run(base, realizedVolAdapter(t, base, 5), 0.05, forecast.DistGaussian)
	require.NoError(t, err)
	recordB, err := bt.Run(tampered, realizedVolAdapter(t, tampered, 5), 0.05, forecast.DistGaussian)
	require.NoError(t, err)

	require.Equal(t, recordA.Len(), recordB.Len())
	for i := 0; i < recordA.Len()-1; i++ {
		a, b := recordA.Entries()[i], recordB.Entries()[i]
		assert.Equal(t, a.VaR.Value, b.VaR.Value, "forecast %d (%s) leaked a future return", i, a.Date)
		assert.Equal(t, a.Violated, b.Violated)
	}

	// The final day differs only in the realized outcome, not the forecast.
	lastA := recordA.Entries()[recordA.Len()-1]
	lastB := recordB.Entries()[recordB.Len()-1]
	assert.Equal(t, lastA.VaR.Value, lastB.VaR.Value, "final forecast must predate the final return")
	assert.True(t, lastB.Violated)
}

func TestRun_SkipsSparseEstimates(t *testing.T) {
	rets := syntheticReturns(20, 4)

	// Estimates for every date except one in the middle.
	rv, err := returns.RealizedVolatility(rets, 3, 1.0)
	require.NoError(t, err)
	sparse := returns.Series{}
	for i := range rv.Dates {
		if rv.Dates[i] == rets.Dates[10] {
			continue
		}
		sparse.Dates = append(sparse.Dates, rv.Dates[i])
		sparse.Values = append(sparse.Values, rv.Values[i])
	}
	adapter, err := volatility.NewScalarAdapter(volatility.SourceRealized, sparse)
	require.NoError(t, err)

	bt := New(testEngine(t), zerolog.Nop())
	record, err := bt.Run(rets, adapter, 0.05, forecast.DistGaussian)
	require.NoError(t, err)

	assert.Equal(t, 1, record.Skipped)
	for _, e := range record.Entries() {
		assert.NotEqual(t, rets.Dates[11], e.Date, "the day after the gap has no causal estimate")
	}
}

func TestRun_RecordMetadata(t *testing.T) {
	rets := syntheticReturns(15, 5)
	adapter := realizedVolAdapter(t, rets, 3)

	bt := New(testEngine(t), zerolog.Nop())
	record, err := bt.Run(rets, adapter, 0.01, forecast.DistStudentT)
	require.NoError(t, err)

	assert.Equal(t, volatility.SourceRealized, record.Source)
	assert.Equal(t, forecast.DistStudentT, record.Dist)
	assert.Equal(t, 0.01, record.Alpha)
	assert.GreaterOrEqual(t, record.Rate(), 0.0)
	assert.LessOrEqual(t, record.Rate(), 1.0)
}

func TestRun_LogsDoneState(t *testing.T) {
	rets := syntheticReturns(15, 6)
	adapter := realizedVolAdapter(t, rets, 3)

	var buf bytes.Buffer
	bt := New(testEngine(t), zerolog.New(&buf))
	_, err := bt.Run(rets, adapter, 0.05, forecast.DistGaussian)
	require.NoError(t, err)

	assert.Contains(t, buf.String(), `"state":"done"`)
}

func TestEntries_ReturnsCopy(t *testing.T) {
	rets := syntheticReturns(20, 7)
	adapter := realizedVolAdapter(t, rets, 3)

	bt := New(testEngine(t), zerolog.Nop())
	record, err := bt.Run(rets, adapter, 0.05, forecast.DistGaussian)
	require.NoError(t, err)
	require.NotEmpty(t, record.Entries())

	violations := record.Violations()
	mutated := record.Entries()
	for i := range mutated {
		mutated[i].Violated = !mutated[i].Violated
		mutated[i].Date = "9999-12-31"
	}

	assert.Equal(t, violations, record.Violations())
	assert.NotEqual(t, "9999-12-31", record.Entries()[0].Date)
}

func TestRun_TooShort(t *testing.T) {
	rets := returns.Series{Dates: []string{"2024-01-02"}, Values: []float64{0.01}}
	adapter, err := volatility.NewScalarAdapter(volatility.SourceRealized, rets)
	require.NoError(t, err)

	bt := New(testEngine(t), zerolog.Nop())
	_, err = bt.Run(rets, adapter, 0.05, forecast.DistGaussian)
	assert.Error(t, err)
}
