package sqlqueue

import (
	"fmt"
	"strconv"
	"strings"
)

// Dialect holds what differs between the supported databases
type Dialect struct {
	Name string
	// Driver is the database/sql driver name
	Driver string
	// numbered placeholders ($1, $2...) instead of ?
	numbered bool
	// appended to the select that picks the next message
	lockClause string
	idColumn   string
	blobType   string
}

var (
	// Postgres uses github.com/lib/pq and row locks that skip messages taken by other workers
	Postgres = Dialect{
		Name:       "postgres",
		Driver:     "postgres",
		numbered:   true,
		lockClause: " FOR UPDATE SKIP LOCKED",
		idColumn:   "BIGSERIAL PRIMARY KEY",
		blobType:   "BYTEA",
	}

	// SQLite uses github.com/mattn/go-sqlite3; the conditional update is the only guard against double delivery
	SQLite = Dialect{
		Name:     "sqlite",
		Driver:   "sqlite3",
		idColumn: "INTEGER PRIMARY KEY AUTOINCREMENT",
		blobType: "BLOB",
	}
)

// DialectFor returns the dialect registered for a DSN scheme
func DialectFor(scheme string) (Dialect, error) {
	switch scheme {
	case "postgres", "postgresql", "pgsql":
		return Postgres, nil
	case "sqlite", "sqlite3":
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("no sql dialect for scheme %q", scheme)
	}
}

// rebind rewrites ? placeholders for dialects using numbered ones
func (d Dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d Dialect) schema(table string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id %s,
	body %s NOT NULL,
	headers TEXT NOT NULL,
	queue_name VARCHAR(190) NOT NULL,
	created_at BIGINT NOT NULL,
	available_at BIGINT NOT NULL,
	delivered_at BIGINT NULL
)`, table, d.idColumn, d.blobType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_queue_name ON %[1]s (queue_name)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_available_at ON %[1]s (available_at)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_delivered_at ON %[1]s (delivered_at)`, table),
	}
}
