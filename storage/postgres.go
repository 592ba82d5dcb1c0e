// Package storage resolves locally-owned entities against a Postgres JSONB
// store. Each federated type maps to a view exposing one JSONB column named
// data; lookups match key fields through JSONB text extraction.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Config is the yaml-tagged Postgres configuration.
type Config struct {
	DSN             string            `yaml:"dsn"`
	MaxOpenConns    int               `yaml:"max_open_conns" default:"10"`
	MaxIdleConns    int               `yaml:"max_idle_conns" default:"5"`
	ConnMaxLifetime string            `yaml:"conn_max_lifetime" default:"30m"`
	QueryTimeout    string            `yaml:"query_timeout" default:"5s"`
	Retries         int               `yaml:"retries" default:"2"`
	Views           map[string]string `yaml:"views"` // typename -> view name
}

// PostgresExecutor implements the engine's DBExecutor against a JSONB store.
// Retry policy lives here, not in the engine.
type PostgresExecutor struct {
	db           *sql.DB
	views        map[string]string
	queryTimeout time.Duration
	retries      int
}

// Open connects using the pgx stdlib driver and verifies the connection.
func Open(cfg Config) (*PostgresExecutor, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime != "" {
		if d, err := time.ParseDuration(cfg.ConnMaxLifetime); err == nil {
			db.SetConnMaxLifetime(d)
		}
	}

	queryTimeout := 5 * time.Second
	if cfg.QueryTimeout != "" {
		if d, err := time.ParseDuration(cfg.QueryTimeout); err == nil {
			queryTimeout = d
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return &PostgresExecutor{
		db:           db,
		views:        cfg.Views,
		queryTimeout: queryTimeout,
		retries:      cfg.Retries,
	}, nil
}

// Close releases the connection pool.
func (e *PostgresExecutor) Close() error {
	return e.db.Close()
}

// ResolveDB looks up one batch of deduplicated keys. The result is positional
// relative to keys; a key with no matching row yields a nil entry, which the
// federation response renders as null.
func (e *PostgresExecutor) ResolveDB(ctx context.Context, typename string, keys []map[string]interface{}) ([]map[string]interface{}, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	view, ok := e.views[typename]
	if !ok {
		return nil, fmt.Errorf("no view configured for type %q", typename)
	}

	keyFields := sortedFieldNames(keys[0])
	query := BuildLookupQuery(view, keyFields, len(keys))
	args := lookupArgs(keys, keyFields)

	rows, err := e.queryWithRetry(ctx, query, args)
	if err != nil {
		return nil, err
	}

	// Index fetched rows by key fingerprint, then scatter into key order.
	byKey := make(map[string]map[string]interface{}, len(rows))
	for _, row := range rows {
		byKey[fingerprint(row, keyFields)] = row
	}

	out := make([]map[string]interface{}, len(keys))
	for i, key := range keys {
		out[i] = byKey[fingerprint(key, keyFields)]
	}
	return out, nil
}

// queryWithRetry runs the lookup, retrying transient failures. Each attempt
// gets its own timeout under the caller's context.
func (e *PostgresExecutor) queryWithRetry(ctx context.Context, query string, args []interface{}) ([]map[string]interface{}, error) {
	attempts := e.retries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		rows, err := e.queryOnce(ctx, query, args)
		if err == nil {
			return rows, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("lookup failed after %d attempt(s): %w", attempts, lastErr)
}

func (e *PostgresExecutor) queryOnce(ctx context.Context, query string, args []interface{}) ([]map[string]interface{}, error) {
	qctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	rows, err := e.db.QueryContext(qctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		var doc map[string]interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to decode JSONB document: %w", err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// BuildLookupQuery builds the batched JSONB lookup for n composite keys.
// Single-field keys collapse to an IN list; composite keys become one
// parenthesized AND clause per key, ORed together.
func BuildLookupQuery(view string, keyFields []string, n int) string {
	var sb strings.Builder
	sb.WriteString("SELECT data FROM ")
	sb.WriteString(quoteIdent(view))
	sb.WriteString(" WHERE ")

	if len(keyFields) == 1 {
		sb.WriteString("data->>'")
		sb.WriteString(keyFields[0])
		sb.WriteString("' IN (")
		for i := 0; i < n; i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i+1)
		}
		sb.WriteString(")")
		return sb.String()
	}

	arg := 1
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteString("(")
		for j, field := range keyFields {
			if j > 0 {
				sb.WriteString(" AND ")
			}
			sb.WriteString("data->>'")
			sb.WriteString(field)
			fmt.Fprintf(&sb, "' = $%d", arg)
			arg++
		}
		sb.WriteString(")")
	}
	return sb.String()
}

func lookupArgs(keys []map[string]interface{}, keyFields []string) []interface{} {
	args := make([]interface{}, 0, len(keys)*len(keyFields))
	for _, key := range keys {
		for _, field := range keyFields {
			args = append(args, fmt.Sprintf("%v", key[field]))
		}
	}
	return args
}

func sortedFieldNames(key map[string]interface{}) []string {
	fields := make([]string, 0, len(key))
	for f := range key {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

func fingerprint(doc map[string]interface{}, keyFields []string) string {
	var sb strings.Builder
	for _, f := range keyFields {
		sb.WriteString(f)
		sb.WriteByte('=')
		fmt.Fprintf(&sb, "%v", doc[f])
		sb.WriteByte(0x1f)
	}
	return sb.String()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
