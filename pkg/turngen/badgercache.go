package turngen

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
)

// BadgerCacheOptions configures a BadgerCache.
type BadgerCacheOptions struct {
	// Dir is the directory for data files. Required unless InMemory.
	Dir string

	// InMemory runs badger without disk persistence. Useful in tests.
	InMemory bool

	Logger *slog.Logger
}

// BadgerCache is a Cache backed by BadgerDB, for deployments where the
// idempotency window must survive a process restart (a retried turn
// request landing on a fresh process still must not be billed twice).
// Values are msgpack-encoded Results.
type BadgerCache struct {
	db     *badger.DB
	logger *slog.Logger
}

// NewBadgerCache opens the cache database.
func NewBadgerCache(opts BadgerCacheOptions) (*BadgerCache, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("turngen: BadgerCacheOptions.Dir is required for on-disk mode")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{opts.Logger})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, err
	}
	return &BadgerCache{db: db, logger: opts.Logger}, nil
}

func (c *BadgerCache) Get(key string) (*Result, bool) {
	var res Result
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &res)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("idempotency cache read failed", "error", err)
		return nil, false
	}
	return &res, true
}

func (c *BadgerCache) Put(key string, res *Result) {
	if res == nil {
		return
	}
	val, err := msgpack.Marshal(res)
	if err != nil {
		c.logger.Warn("idempotency cache encode failed", "error", err)
		return
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
	if err != nil {
		c.logger.Warn("idempotency cache write failed", "error", err)
	}
}

// Close releases the database.
func (c *BadgerCache) Close() error {
	return c.db.Close()
}

// badgerLogger routes badger's own logging through slog, dropping the
// noisy info/debug levels.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.logger.Error(sprintf(f, v...)) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.logger.Warn(sprintf(f, v...)) }
func (l badgerLogger) Infof(string, ...interface{})        {}
func (l badgerLogger) Debugf(string, ...interface{})       {}

func sprintf(f string, v ...interface{}) string {
	return strings.TrimSpace(fmt.Sprintf(f, v...))
}
