package sqlgate

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect names the SQL flavor of the ERP database.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

func (d Dialect) displayName() string {
	if d == Postgres {
		return "PostgreSQL"
	}
	return "SQLite"
}

// OpenERP opens the ERP database for driver. An sqlite driver with an
// empty dsn reuses local, the gembridge store itself. The returned close
// func is a no-op for a reused handle.
func OpenERP(driver, dsn string, local *sql.DB) (*sql.DB, Dialect, func() error, error) {
	noop := func() error { return nil }
	switch Dialect(driver) {
	case SQLite, "":
		if dsn == "" {
			if local == nil {
				return nil, "", nil, errors.New("no ERP database configured")
			}
			return local, SQLite, noop, nil
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, "", nil, fmt.Errorf("opening sqlite ERP database: %w", err)
		}
		db.SetMaxOpenConns(1)
		return db, SQLite, db.Close, nil
	case Postgres:
		connector, err := pq.NewConnector(dsn)
		if err != nil {
			return nil, "", nil, fmt.Errorf("parsing postgres dsn: %w", err)
		}
		db := sql.OpenDB(connector)
		return db, Postgres, db.Close, nil
	default:
		return nil, "", nil, fmt.Errorf("unsupported ERP driver %q", driver)
	}
}

// describeDBError adds the SQLSTATE code to PostgreSQL errors.
func describeDBError(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Sprintf("%s (SQLSTATE %s)", pqErr.Message, pqErr.Code)
	}
	return err.Error()
}
