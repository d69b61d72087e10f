package risk

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/mat"

	"github.com/aristath/riskwatch/internal/database"
	"github.com/aristath/riskwatch/internal/modules/backtest"
	"github.com/aristath/riskwatch/internal/modules/covariance"
	"github.com/aristath/riskwatch/internal/modules/forecast"
	"github.com/aristath/riskwatch/internal/modules/volatility"
)

// Repository persists pipeline runs to the results store and reads them back
// for the API.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a results repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("component", "risk_repository").Logger(),
	}
}

// RunRow is one row of the runs table.
type RunRow struct {
	RunID            string  `json:"run_id"`
	CreatedAt        string  `json:"created_at"`
	Benchmark        string  `json:"benchmark"`
	Assets           string  `json:"assets"`
	CovWindow        int     `json:"cov_window"`
	EigenFloor       float64 `json:"eigen_floor"`
	StudentDOF       float64 `json:"student_dof"`
	CholeskyFailures int     `json:"cholesky_failures"`
}

// CoverageRow is one persisted coverage test outcome.
type CoverageRow struct {
	Source       string  `json:"source"`
	Dist         string  `json:"dist"`
	Alpha        float64 `json:"alpha"`
	Observations int     `json:"observations"`
	Violations   int     `json:"violations"`
	Skipped      int     `json:"skipped"`
	Statistic    float64 `json:"statistic"`
	PValue       float64 `json:"p_value"`
	Reject       bool    `json:"reject"`
}

// MatrixSnapshot is the msgpack payload stored per regularized matrix.
type MatrixSnapshot struct {
	Order  int       `msgpack:"order"`
	Assets []string  `msgpack:"assets"`
	Data   []float64 `msgpack:"data"` // row-major, order x order
}

// Matrix rebuilds the symmetric matrix from the stored payload.
func (ms *MatrixSnapshot) Matrix() (*mat.SymDense, error) {
	if len(ms.Data) != ms.Order*ms.Order {
		return nil, fmt.Errorf("matrix snapshot has %d values for order %d", len(ms.Data), ms.Order)
	}
	out := mat.NewSymDense(ms.Order, nil)
	for i := 0; i < ms.Order; i++ {
		for j := i; j < ms.Order; j++ {
			out.SetSym(i, j, ms.Data[i*ms.Order+j])
		}
	}
	return out, nil
}

// SaveRun writes one run and all its outputs in a single transaction.
func (r *Repository) SaveRun(ctx context.Context, results *RunResults) error {
	err := database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (run_id, created_at, benchmark, assets, cov_window, eigen_floor, student_dof, cholesky_failures)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			results.RunID,
			results.CreatedAt.Format(time.RFC3339),
			results.Benchmark,
			strings.Join(results.Assets, ","),
			results.Params.CovWindow,
			results.Params.EigenFloor,
			results.Params.StudentTDOF,
			results.CholeskyFailures,
		); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}

		for _, d := range results.Diagnostics {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO condition_diagnostics (run_id, date, min_eigenvalue, max_eigenvalue, condition_number)
				VALUES (?, ?, ?, ?, ?)`,
				results.RunID, d.Date, d.MinEigenvalue, d.MaxEigenvalue, encodeCondition(d.ConditionNumber),
			); err != nil {
				return fmt.Errorf("insert diagnostic %s: %w", d.Date, err)
			}
		}

		for _, snap := range results.Snapshots {
			if snap.Failed {
				continue // failures live in the run's cholesky_failures count and the logs
			}
			payload, err := encodeMatrix(results.Assets, snap.Result.Matrix)
			if err != nil {
				return fmt.Errorf("encode snapshot %s: %w", snap.Date, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO regularized_snapshots (run_id, date, method, delta, escalations, min_eigenvalue, matrix)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				results.RunID, snap.Date, string(snap.Result.Method),
				snap.Result.Delta, snap.Result.Escalations, snap.Result.MinEigenvalue, payload,
			); err != nil {
				return fmt.Errorf("insert snapshot %s: %w", snap.Date, err)
			}
		}

		for _, cell := range results.Grid {
			for _, entry := range cell.Record.Entries() {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO exceedances (run_id, source, dist, alpha, date, realized, var_value, violated)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
					results.RunID, string(cell.Source), string(cell.Dist), cell.Alpha,
					entry.Date, entry.Realized, entry.VaR.Value, entry.Violated,
				); err != nil {
					return fmt.Errorf("insert exceedance %s: %w", entry.Date, err)
				}
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO coverage_results (run_id, source, dist, alpha, observations, violations, skipped, statistic, p_value, reject)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				results.RunID, string(cell.Source), string(cell.Dist), cell.Alpha,
				cell.Record.Len(), cell.Record.Violations(), cell.Record.Skipped,
				cell.Coverage.Statistic, cell.Coverage.PValue, cell.Coverage.Reject,
			); err != nil {
				return fmt.Errorf("insert coverage result: %w", err)
			}
		}

		for _, label := range results.Regimes {
			cond := sql.NullFloat64{}
			if !math.IsNaN(label.ConditionNumber) {
				cond = sql.NullFloat64{Float64: encodeCondition(label.ConditionNumber), Valid: true}
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO regime_labels (run_id, date, realized_vol, high_vol, condition_number)
				VALUES (?, ?, ?, ?, ?)`,
				results.RunID, label.Date, label.RealizedVol, label.HighVol, cond,
			); err != nil {
				return fmt.Errorf("insert regime label %s: %w", label.Date, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.Info().
		Str("run_id", results.RunID).
		Int("diagnostics", len(results.Diagnostics)).
		Int("grid_cells", len(results.Grid)).
		Msg("Run persisted")
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (r *Repository) ListRuns(limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(`
		SELECT run_id, created_at, benchmark, assets, cov_window, eigen_floor, student_dof, cholesky_failures
		FROM runs
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		var row RunRow
		if err := rows.Scan(&row.RunID, &row.CreatedAt, &row.Benchmark, &row.Assets,
			&row.CovWindow, &row.EigenFloor, &row.StudentDOF, &row.CholeskyFailures); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Diagnostics returns a run's condition diagnostic series in date order.
func (r *Repository) Diagnostics(runID string) ([]covariance.Diagnostic, error) {
	rows, err := r.db.Query(`
		SELECT date, min_eigenvalue, max_eigenvalue, condition_number
		FROM condition_diagnostics
		WHERE run_id = ?
		ORDER BY date ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query diagnostics: %w", err)
	}
	defer rows.Close()

	var out []covariance.Diagnostic
	for rows.Next() {
		var d covariance.Diagnostic
		var cond float64
		if err := rows.Scan(&d.Date, &d.MinEigenvalue, &d.MaxEigenvalue, &cond); err != nil {
			return nil, fmt.Errorf("scan diagnostic: %w", err)
		}
		d.ConditionNumber = decodeCondition(cond)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ExceedanceRecord rebuilds the persisted record for one grid cell.
func (r *Repository) ExceedanceRecord(runID string, source volatility.Source, dist forecast.Distribution, alpha float64) (*backtest.Record, error) {
	rows, err := r.db.Query(`
		SELECT date, realized, var_value, violated
		FROM exceedances
		WHERE run_id = ? AND source = ? AND dist = ? AND alpha = ?
		ORDER BY date ASC`, runID, string(source), string(dist), alpha)
	if err != nil {
		return nil, fmt.Errorf("query exceedances: %w", err)
	}
	defer rows.Close()

	var entries []backtest.Entry
	for rows.Next() {
		var entry backtest.Entry
		var value float64
		if err := rows.Scan(&entry.Date, &entry.Realized, &value, &entry.Violated); err != nil {
			return nil, fmt.Errorf("scan exceedance: %w", err)
		}
		entry.VaR = forecast.VaR{
			Date:   entry.Date,
			Alpha:  alpha,
			Dist:   dist,
			Source: source,
			Value:  value,
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return backtest.NewRecordFromEntries(source, dist, alpha, entries), nil
}

// CoverageResults returns all persisted coverage test outcomes for a run.
func (r *Repository) CoverageResults(runID string) ([]CoverageRow, error) {
	rows, err := r.db.Query(`
		SELECT source, dist, alpha, observations, violations, skipped, statistic, p_value, reject
		FROM coverage_results
		WHERE run_id = ?
		ORDER BY source, dist, alpha`, runID)
	if err != nil {
		return nil, fmt.Errorf("query coverage results: %w", err)
	}
	defer rows.Close()

	var out []CoverageRow
	for rows.Next() {
		var row CoverageRow
		if err := rows.Scan(&row.Source, &row.Dist, &row.Alpha, &row.Observations,
			&row.Violations, &row.Skipped, &row.Statistic, &row.PValue, &row.Reject); err != nil {
			return nil, fmt.Errorf("scan coverage result: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Regimes returns a run's regime label series in date order.
func (r *Repository) Regimes(runID string) ([]RegimeLabel, error) {
	rows, err := r.db.Query(`
		SELECT date, realized_vol, high_vol, condition_number
		FROM regime_labels
		WHERE run_id = ?
		ORDER BY date ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query regime labels: %w", err)
	}
	defer rows.Close()

	var out []RegimeLabel
	for rows.Next() {
		var label RegimeLabel
		var cond sql.NullFloat64
		if err := rows.Scan(&label.Date, &label.RealizedVol, &label.HighVol, &cond); err != nil {
			return nil, fmt.Errorf("scan regime label: %w", err)
		}
		if cond.Valid {
			label.ConditionNumber = decodeCondition(cond.Float64)
		} else {
			label.ConditionNumber = math.NaN()
		}
		out = append(out, label)
	}
	return out, rows.Err()
}

// SnapshotMatrix loads and decodes one regularized matrix.
func (r *Repository) SnapshotMatrix(runID, date string) (*MatrixSnapshot, error) {
	var payload []byte
	err := r.db.QueryRow(`
		SELECT matrix FROM regularized_snapshots
		WHERE run_id = ? AND date = ?`, runID, date).Scan(&payload)
	if err != nil {
		return nil, fmt.Errorf("query snapshot matrix: %w", err)
	}

	var snapshot MatrixSnapshot
	if err := msgpack.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot matrix: %w", err)
	}
	return &snapshot, nil
}

func encodeMatrix(assets []string, m *mat.SymDense) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("nil matrix")
	}
	n := m.SymmetricDim()
	data := make([]float64, 0, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			data = append(data, m.At(i, j))
		}
	}
	return msgpack.Marshal(&MatrixSnapshot{Order: n, Assets: assets, Data: data})
}

// SQLite REAL cannot round-trip +Inf through every driver, so a singular
// matrix's condition number is stored as -1.
func encodeCondition(v float64) float64 {
	if math.IsInf(v, 1) {
		return -1
	}
	return v
}

func decodeCondition(v float64) float64 {
	if v < 0 {
		return math.Inf(1)
	}
	return v
}
