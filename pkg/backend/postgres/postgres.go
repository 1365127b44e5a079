// Package postgres provides a backend storing keys in a PostgreSQL table.
//
// Each pooled connection is one *pgx.Conn; the admission core's pool plays
// the role pgxpool would otherwise play, so lifetime and health decisions
// stay in one place for every backend.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/marmos91/dittodav/internal/logger"
	"github.com/marmos91/dittodav/pkg/backend"
)

const defaultConnectTimeout = 5 * time.Second

// Config configures the PostgreSQL backend.
type Config struct {
	// DSN is a libpq connection string or URL. Required.
	DSN string `mapstructure:"dsn"`

	// Table holds the key/value rows. Default "dav_objects".
	Table string `mapstructure:"table"`

	// ConnectTimeout bounds a single connection attempt. Default 5s.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// Dialer opens connections and makes sure the table exists.
type Dialer struct {
	connCfg        *pgx.ConnConfig
	table          string
	connectTimeout time.Duration

	schemaMu    sync.Mutex
	schemaReady bool
}

// NewDialer parses cfg. It does not connect.
func NewDialer(cfg Config) (*Dialer, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres: dsn is required")
	}
	connCfg, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	table := cfg.Table
	if table == "" {
		table = "dav_objects"
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	return &Dialer{
		connCfg:        connCfg,
		table:          pgx.Identifier{table}.Sanitize(),
		connectTimeout: timeout,
	}, nil
}

// Factory returns a backend.Factory opening one pgx connection per call.
func (d *Dialer) Factory() backend.Factory {
	return func(ctx context.Context) (backend.Conn, error) {
		ctx, cancel := context.WithTimeout(ctx, d.connectTimeout)
		defer cancel()

		pc, err := pgx.ConnectConfig(ctx, d.connCfg.Copy())
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}

		if err := d.ensureSchema(ctx, pc); err != nil {
			_ = pc.Close(context.Background())
			return nil, err
		}

		return &conn{pc: pc, table: d.table}, nil
	}
}

func (d *Dialer) ensureSchema(ctx context.Context, pc *pgx.Conn) error {
	d.schemaMu.Lock()
	defer d.schemaMu.Unlock()

	if d.schemaReady {
		return nil
	}

	_, err := pc.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (key TEXT PRIMARY KEY, value BYTEA NOT NULL)`, d.table))
	if err != nil {
		return fmt.Errorf("create table %s: %w", d.table, err)
	}

	d.schemaReady = true
	logger.Info("Postgres backend ready (table=%s)", d.table)
	return nil
}

type conn struct {
	pc    *pgx.Conn
	table string
}

func (c *conn) Execute(ctx context.Context, q backend.Query) ([]byte, error) {
	if c.pc.IsClosed() {
		return nil, backend.ErrClosed
	}

	switch q.Op {
	case backend.OpGet:
		var value []byte
		err := c.pc.QueryRow(ctx,
			fmt.Sprintf(`SELECT value FROM %s WHERE key = $1`, c.table), q.Key).Scan(&value)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, backend.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("postgres get %q: %w", q.Key, err)
		}
		return value, nil

	case backend.OpPut:
		value := q.Value
		if value == nil {
			value = []byte{}
		}
		_, err := c.pc.Exec(ctx, fmt.Sprintf(
			`INSERT INTO %s (key, value) VALUES ($1, $2)
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, c.table), q.Key, value)
		if err != nil {
			return nil, fmt.Errorf("postgres put %q: %w", q.Key, err)
		}
		return nil, nil

	case backend.OpDelete:
		tag, err := c.pc.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, c.table), q.Key)
		if err != nil {
			return nil, fmt.Errorf("postgres delete %q: %w", q.Key, err)
		}
		if tag.RowsAffected() == 0 {
			return nil, backend.ErrNotFound
		}
		return nil, nil

	case backend.OpList:
		rows, err := c.pc.Query(ctx, fmt.Sprintf(
			`SELECT key FROM %s WHERE key LIKE $1 ESCAPE '\' ORDER BY key`, c.table),
			escapeLike(q.Key)+"%")
		if err != nil {
			return nil, fmt.Errorf("postgres list %q: %w", q.Key, err)
		}
		keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return nil, fmt.Errorf("postgres list %q: %w", q.Key, err)
		}
		return backend.EncodeKeys(keys), nil

	default:
		return nil, backend.ErrUnsupportedOp
	}
}

func (c *conn) Ping(ctx context.Context) error {
	if c.pc.IsClosed() {
		return backend.ErrClosed
	}
	return c.pc.Ping(ctx)
}

func (c *conn) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.pc.Close(ctx)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
