// Package badger provides a persistent backend on top of BadgerDB.
//
// BadgerDB is embedded, so a "connection" is a lightweight session bound to
// the shared database handle. Pooling still matters: it bounds how many
// handlers hit the database concurrently and lets the pool retire sessions
// by lifetime exactly like it does for remote backends.
package badger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/dittodav/internal/logger"
	"github.com/marmos91/dittodav/pkg/backend"
)

// Config configures the BadgerDB backend.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string `mapstructure:"path"`

	// InMemory keeps everything in RAM (tests, ephemeral nodes).
	InMemory bool `mapstructure:"in_memory"`

	// SyncWrites fsyncs every write. Default false.
	SyncWrites bool `mapstructure:"sync_writes"`

	// BlockCacheSizeMB defaults to 64.
	BlockCacheSizeMB int64 `mapstructure:"block_cache_size_mb"`

	// IndexCacheSizeMB defaults to 32.
	IndexCacheSizeMB int64 `mapstructure:"index_cache_size_mb"`
}

// Store owns the database handle shared by all connections.
type Store struct {
	db *badgerdb.DB
}

// Open opens (or creates) the database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badgerdb.Options
	if cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("badger: path is required unless in_memory is set")
		}
		opts = badgerdb.DefaultOptions(cfg.Path)
	}

	blockCacheMB := cfg.BlockCacheSizeMB
	if blockCacheMB == 0 {
		blockCacheMB = 64
	}
	indexCacheMB := cfg.IndexCacheSizeMB
	if indexCacheMB == 0 {
		indexCacheMB = 32
	}

	opts = opts.
		WithLoggingLevel(badgerdb.WARNING).
		WithCompression(options.None).
		WithSyncWrites(cfg.SyncWrites).
		WithBlockCacheSize(blockCacheMB << 20).
		WithIndexCacheSize(indexCacheMB << 20)

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %q: %w", cfg.Path, err)
	}

	logger.Info("BadgerDB backend opened (path=%q, in_memory=%v)", cfg.Path, cfg.InMemory)
	return &Store{db: db}, nil
}

// Factory returns a backend.Factory opening sessions on s.
func (s *Store) Factory() backend.Factory {
	return func(ctx context.Context) (backend.Conn, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.db.IsClosed() {
			return nil, backend.ErrClosed
		}
		return &conn{db: s.db}, nil
	}
}

// Close closes the database. Open sessions fail afterwards.
func (s *Store) Close() error {
	return s.db.Close()
}

type conn struct {
	db     *badgerdb.DB
	closed atomic.Bool
}

func (c *conn) Execute(ctx context.Context, q backend.Query) ([]byte, error) {
	if c.closed.Load() {
		return nil, backend.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch q.Op {
	case backend.OpGet:
		return c.get(q.Key)
	case backend.OpPut:
		return nil, c.db.Update(func(txn *badgerdb.Txn) error {
			value := q.Value
			if value == nil {
				value = []byte{}
			}
			return txn.Set([]byte(q.Key), value)
		})
	case backend.OpDelete:
		return nil, c.delete(q.Key)
	case backend.OpList:
		return c.list(q.Key)
	default:
		return nil, backend.ErrUnsupportedOp
	}
}

func (c *conn) get(key string) ([]byte, error) {
	var out []byte
	err := c.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, backend.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %q: %w", key, err)
	}
	return out, nil
}

func (c *conn) delete(key string) error {
	err := c.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get([]byte(key)); err != nil {
			return err
		}
		return txn.Delete([]byte(key))
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return backend.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("badger delete %q: %w", key, err)
	}
	return nil
}

func (c *conn) list(prefix string) ([]byte, error) {
	var keys []string
	err := c.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger list %q: %w", prefix, err)
	}
	return backend.EncodeKeys(keys), nil
}

func (c *conn) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return backend.ErrClosed
	}
	if c.db.IsClosed() {
		return badgerdb.ErrDBClosed
	}
	return ctx.Err()
}

func (c *conn) Close() error {
	c.closed.Store(true)
	return nil
}
