package store

import (
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
)

// Backend names accepted by Open.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// dialect holds what differs between the SQL backends. Queries are written
// once with ? placeholders and ON CONFLICT clauses both engines accept.
type dialect interface {
	name() string
	driver() string
	dsn(raw string) string
	rebind(query string) string
	serialKey() string
	txOptions() *sql.TxOptions
	isConflict(err error) bool
}

func dialectFor(backend string) (dialect, bool) {
	switch backend {
	case BackendSQLite, "":
		return sqliteDialect{}, true
	case BackendPostgres:
		return postgresDialect{}, true
	}
	return nil, false
}

type sqliteDialect struct{}

func (sqliteDialect) name() string   { return BackendSQLite }
func (sqliteDialect) driver() string { return "sqlite3" }

// dsn enables WAL so readers see the last committed snapshot while a writer
// is active, and takes the write lock at BEGIN to avoid upgrade deadlocks.
func (sqliteDialect) dsn(raw string) string {
	if strings.Contains(raw, "?") {
		return raw
	}
	return raw + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_txlock=immediate"
}

func (sqliteDialect) rebind(query string) string { return query }
func (sqliteDialect) serialKey() string          { return "INTEGER PRIMARY KEY AUTOINCREMENT" }
func (sqliteDialect) txOptions() *sql.TxOptions  { return nil }

func (sqliteDialect) isConflict(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

type postgresDialect struct{}

func (postgresDialect) name() string          { return BackendPostgres }
func (postgresDialect) driver() string        { return "pgx" }
func (postgresDialect) dsn(raw string) string { return raw }

// rebind rewrites ? placeholders to $1..$n. None of the store's queries
// contain a literal question mark.
func (postgresDialect) rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (postgresDialect) serialKey() string { return "BIGSERIAL PRIMARY KEY" }

// txOptions asks for serializable isolation so concurrent reachability
// maintenance on overlapping regions aborts instead of losing pairs.
func (postgresDialect) txOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelSerializable}
}

func (postgresDialect) isConflict(err error) bool {
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		// serialization_failure, deadlock_detected
		return pe.Code == "40001" || pe.Code == "40P01"
	}
	return false
}
