// Package history reads the loader-maintained price and estimate database.
//
// An external loader owns this database: it ingests daily prices and writes
// the externally fitted GARCH conditional-volatility and VAR
// innovation-covariance series. This package never writes to it - the
// connection is opened read-only and the fitting procedures themselves are
// collaborators, not residents.
package history

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/aristath/riskwatch/internal/modules/returns"
	"github.com/aristath/riskwatch/internal/modules/volatility"
)

// DB provides read-only access to the loader's database.
type DB struct {
	conn *sql.DB
	log  zerolog.Logger
}

// Open opens the loader database read-only at path.
func Open(path string, log zerolog.Logger) (*DB, error) {
	conn, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}
	return &DB{
		conn: conn,
		log:  log.With().Str("component", "history_db").Logger(),
	}, nil
}

// NewFromConn wraps an existing connection. Used by tests with fixture
// databases.
func NewFromConn(conn *sql.DB, log zerolog.Logger) *DB {
	return &DB{
		conn: conn,
		log:  log.With().Str("component", "history_db").Logger(),
	}
}

// Close closes the underlying connection.
func (h *DB) Close() error {
	return h.conn.Close()
}

// ClosePrices fetches the most recent daily closes for a symbol, returned in
// ascending date order. limit <= 0 fetches the full series.
func (h *DB) ClosePrices(symbol string, limit int) (returns.Series, error) {
	query := `
		SELECT date, close
		FROM daily_prices
		WHERE symbol = ?
		ORDER BY date DESC
	`
	args := []interface{}{symbol}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := h.conn.Query(query, args...)
	if err != nil {
		return returns.Series{}, fmt.Errorf("failed to query daily prices for %s: %w", symbol, err)
	}
	defer rows.Close()

	series, err := scanSeries(rows)
	if err != nil {
		return returns.Series{}, fmt.Errorf("failed to scan daily prices for %s: %w", symbol, err)
	}
	if series.Len() == 0 {
		return returns.Series{}, fmt.Errorf("no daily prices for %s", symbol)
	}
	return series, nil
}

// PricePanel fetches closes for several symbols and keeps only the dates
// where every symbol has an observation. Symbols with sparse histories shrink
// the panel rather than poison it with gaps.
func (h *DB) PricePanel(symbols []string, limit int) (returns.Panel, error) {
	if len(symbols) == 0 {
		return returns.Panel{}, fmt.Errorf("price panel requires at least one symbol")
	}

	perSymbol := make(map[string]returns.Series, len(symbols))
	common := map[string]int{}
	for _, symbol := range symbols {
		series, err := h.ClosePrices(symbol, limit)
		if err != nil {
			return returns.Panel{}, err
		}
		perSymbol[symbol] = series
		for _, date := range series.Dates {
			common[date]++
		}
	}

	// Dates present in every series, in the first symbol's (ascending) order.
	var dates []string
	for _, date := range perSymbol[symbols[0]].Dates {
		if common[date] == len(symbols) {
			dates = append(dates, date)
		}
	}
	if dropped := perSymbol[symbols[0]].Len() - len(dates); dropped > 0 {
		h.log.Warn().Int("dropped_dates", dropped).Msg("Price panel trimmed to common dates")
	}

	panel := returns.Panel{
		Dates:  dates,
		Assets: append([]string(nil), symbols...),
		Data:   make(map[string][]float64, len(symbols)),
	}
	for _, symbol := range symbols {
		series := perSymbol[symbol]
		byDate := make(map[string]float64, series.Len())
		for i, date := range series.Dates {
			byDate[date] = series.Values[i]
		}
		vals := make([]float64, len(dates))
		for i, date := range dates {
			vals[i] = byDate[date]
		}
		panel.Data[symbol] = vals
	}

	if err := panel.Validate(); err != nil {
		return returns.Panel{}, fmt.Errorf("price panel for %v is invalid: %w", symbols, err)
	}
	return panel, nil
}

// GarchVolatility fetches the externally fitted conditional-volatility series
// for a symbol, ascending. An empty result is not an error: the loader may
// not have fitted this symbol yet, and the caller decides whether that is
// fatal.
func (h *DB) GarchVolatility(symbol string) (returns.Series, error) {
	rows, err := h.conn.Query(`
		SELECT date, sigma
		FROM garch_volatility
		WHERE symbol = ?
		ORDER BY date ASC
	`, symbol)
	if err != nil {
		return returns.Series{}, fmt.Errorf("failed to query garch volatility for %s: %w", symbol, err)
	}
	defer rows.Close()

	series, err := scanAscendingSeries(rows)
	if err != nil {
		return returns.Series{}, fmt.Errorf("failed to scan garch volatility for %s: %w", symbol, err)
	}
	return series, nil
}

// InnovationCovariances fetches the VAR residual-covariance series for the
// given symbol ordering. Matrices are stored one cell per row; dates with an
// incomplete matrix are skipped with a warning.
func (h *DB) InnovationCovariances(symbols []string) ([]volatility.DatedCovariance, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("innovation covariances require at least one symbol")
	}
	index := make(map[string]int, len(symbols))
	for i, s := range symbols {
		index[s] = i
	}

	rows, err := h.conn.Query(`
		SELECT date, row_symbol, col_symbol, value
		FROM innovation_covariance
		ORDER BY date ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query innovation covariances: %w", err)
	}
	defer rows.Close()

	n := len(symbols)
	cells := map[string]map[[2]int]float64{}
	var dates []string
	for rows.Next() {
		var date, rowSym, colSym string
		var value float64
		if err := rows.Scan(&date, &rowSym, &colSym, &value); err != nil {
			return nil, fmt.Errorf("failed to scan innovation covariance: %w", err)
		}
		i, okRow := index[rowSym]
		j, okCol := index[colSym]
		if !okRow || !okCol {
			continue // cell for a symbol outside the requested universe
		}
		if _, seen := cells[date]; !seen {
			cells[date] = map[[2]int]float64{}
			dates = append(dates, date)
		}
		cells[date][[2]int{i, j}] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating innovation covariances: %w", err)
	}

	var out []volatility.DatedCovariance
	for _, date := range dates {
		m := mat.NewSymDense(n, nil)
		complete := true
		for i := 0; i < n && complete; i++ {
			for j := i; j < n; j++ {
				v, ok := cells[date][[2]int{i, j}]
				if !ok {
					v, ok = cells[date][[2]int{j, i}]
				}
				if !ok {
					complete = false
					break
				}
				m.SetSym(i, j, v)
			}
		}
		if !complete {
			h.log.Warn().Str("date", date).Msg("Skipping incomplete innovation covariance matrix")
			continue
		}
		out = append(out, volatility.DatedCovariance{Date: date, Cov: m})
	}
	return out, nil
}

// scanSeries reads (date, value) rows queried in DESC order and reverses
// them into an ascending series.
func scanSeries(rows *sql.Rows) (returns.Series, error) {
	series, err := scanAscendingSeries(rows)
	if err != nil {
		return returns.Series{}, err
	}
	for i, j := 0, series.Len()-1; i < j; i, j = i+1, j-1 {
		series.Dates[i], series.Dates[j] = series.Dates[j], series.Dates[i]
		series.Values[i], series.Values[j] = series.Values[j], series.Values[i]
	}
	return series, nil
}

func scanAscendingSeries(rows *sql.Rows) (returns.Series, error) {
	var series returns.Series
	for rows.Next() {
		var date string
		var value float64
		if err := rows.Scan(&date, &value); err != nil {
			return returns.Series{}, err
		}
		series.Dates = append(series.Dates, date)
		series.Values = append(series.Values, value)
	}
	if err := rows.Err(); err != nil {
		return returns.Series{}, err
	}
	return series, nil
}
