package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ResultsStore writes results rows into one externally provisioned table.
type ResultsStore struct {
	db     *sql.DB
	driver string
	table  string
	logger *slog.Logger

	mu        sync.Mutex
	validated bool
}

func NewResultsStore(db *sql.DB, driver, table string, logger *slog.Logger) (*ResultsStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	if driver != DriverPostgres && driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResultsStore{db: db, driver: driver, table: table, logger: logger}, nil
}

func quoteIdent(name string) string { return `"` + name + `"` }

func (s *ResultsStore) placeholder(i int) string {
	if s.driver == DriverPostgres {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// ValidateColumns reads the live table header and reports missing columns.
func (s *ResultsStore) ValidateColumns(ctx context.Context, columns []string) error {
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+quoteIdent(s.table)+" WHERE 1=0")
	if err != nil {
		return fmt.Errorf("inspect table %s: %w", s.table, err)
	}
	defer rows.Close()
	have, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("read columns of %s: %w", s.table, err)
	}
	present := make(map[string]struct{}, len(have))
	for _, c := range have {
		present[strings.ToLower(c)] = struct{}{}
	}
	var missing []string
	for _, c := range columns {
		if _, ok := present[strings.ToLower(c)]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("table %s is missing columns: %s", s.table, strings.Join(missing, ", "))
	}
	return nil
}

func (s *ResultsStore) ensureValidated(ctx context.Context, columns []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.validated {
		return nil
	}
	if err := s.ValidateColumns(ctx, columns); err != nil {
		return err
	}
	s.validated = true
	return nil
}

func (s *ResultsStore) insertSQL(columns []string) (string, error) {
	cols := make([]string, len(columns))
	marks := make([]string, len(columns))
	for i, c := range columns {
		if !identRe.MatchString(c) {
			return "", fmt.Errorf("invalid column name %q", c)
		}
		cols[i] = quoteIdent(c)
		marks[i] = s.placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(s.table), strings.Join(cols, ", "), strings.Join(marks, ", ")), nil
}

// InsertRow writes one row inside a transaction. The table schema is checked
// before the first successful write.
func (s *ResultsStore) InsertRow(ctx context.Context, columns []string, values []any) (err error) {
	if len(columns) != len(values) {
		return fmt.Errorf("insert row: %d columns but %d values", len(columns), len(values))
	}
	if err := s.ensureValidated(ctx, columns); err != nil {
		return err
	}
	stmt, err := s.insertSQL(columns)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				s.logger.Warn("rollback failed", "error", rbErr)
			}
		}
	}()
	res, err := tx.ExecContext(ctx, stmt, values...)
	if err != nil {
		return fmt.Errorf("insert into %s: %w", s.table, err)
	}
	if n, rerr := res.RowsAffected(); rerr == nil && n != 1 {
		return fmt.Errorf("insert into %s: %d rows affected", s.table, n)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
