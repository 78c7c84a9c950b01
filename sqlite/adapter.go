// Package sqlite provides a persistence.StorageAdapter backed by SQLite.
// Every class is a table of native documents stored as canonical extended
// JSON; queries and updates are evaluated by the query package's in-memory
// processor, so every operator the controller emits is supported.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/asaidimu/go-docstore/core"
	"github.com/asaidimu/go-docstore/core/persistence"
	"github.com/asaidimu/go-docstore/core/query"
	"github.com/asaidimu/go-docstore/core/schema"
	"github.com/asaidimu/go-docstore/core/transform"
)

var (
	mon = monkit.Package()

	// Error is the error class of the sqlite adapter.
	Error = errs.Class("sqlite")
)

// dbRunner abstracts *sql.DB and *sql.Tx so the same code serves both.
type dbRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Options configures an Adapter.
type Options struct {
	// CollectionPrefix is prepended to every table name.
	CollectionPrefix string
	Logger           *zap.Logger
}

// Adapter implements persistence.StorageAdapter over a SQLite database.
type Adapter struct {
	db        *sql.DB
	options   Options
	logger    *zap.Logger
	processor *query.DataProcessor
	// mu serializes read-modify-write cycles.
	mu sync.Mutex
}

var _ persistence.StorageAdapter = (*Adapter)(nil)

// Open opens the database at dsn and prepares it. ":memory:" databases are
// pinned to a single connection so every statement sees the same data.
func Open(ctx context.Context, dsn string, options Options) (*Adapter, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}
	a, err := New(ctx, db, options)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// New wraps an open database, creating the schema table when missing.
func New(ctx context.Context, db *sql.DB, options Options) (*Adapter, error) {
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Adapter{
		db:        db,
		options:   options,
		logger:    logger,
		processor: query.NewDataProcessor(logger),
	}
	if err := a.createSchemaTable(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Close closes the database.
func (a *Adapter) Close() error {
	return Error.Wrap(a.db.Close())
}

// loadDocuments reads every document of className. A missing table reads as
// empty. The rows are closed before returning.
func (a *Adapter) loadDocuments(ctx context.Context, runner dbRunner, className string) ([]map[string]any, error) {
	rows, err := runner.QueryContext(ctx, fmt.Sprintf("SELECT doc FROM %s ORDER BY rowid", a.tableName(className)))
	if err != nil {
		if isNoSuchTable(err) {
			return nil, nil
		}
		return nil, Error.New("failed to read %s: %w", className, err)
	}
	defer func() { _ = rows.Close() }()

	var docs []map[string]any
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, Error.New("failed to scan row: %w", err)
		}
		doc, err := decodeDocument(text)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.New("error after scanning rows: %w", err)
	}
	return docs, nil
}

func (a *Adapter) match(ctx context.Context, runner dbRunner, className string, filter bson.M, opts query.ProcessOptions) ([]map[string]any, error) {
	docs, err := a.loadDocuments(ctx, runner, className)
	if err != nil {
		return nil, err
	}
	opts.Filter = filter
	return a.processor.ProcessRows(ctx, docs, opts)
}

// Find returns the documents matching q.
func (a *Adapter) Find(ctx context.Context, className string, class *schema.Class, q bson.M, opts persistence.QueryOptions) (_ []bson.M, err error) {
	defer mon.Task()(&ctx)(&err)
	keys := opts.Keys
	if len(keys) > 0 {
		keys = append(append([]string(nil), keys...), transform.KeyID)
	}
	rows, err := a.match(ctx, a.db, className, q, query.ProcessOptions{
		Sort:  opts.Sort,
		Skip:  int(opts.Skip),
		Limit: int(opts.Limit),
		Keys:  keys,
	})
	if err != nil {
		return nil, err
	}
	a.logger.Debug("sqlite find", zap.String("class", className), zap.Int("rows", len(rows)))
	return toBSON(rows), nil
}

// CreateObject inserts doc, creating the table on first use.
func (a *Adapter) CreateObject(ctx context.Context, className string, class *schema.Class, doc bson.M) (err error) {
	defer mon.Task()(&ctx)(&err)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.insert(ctx, a.db, className, doc)
}

func (a *Adapter) insert(ctx context.Context, runner dbRunner, className string, doc map[string]any) error {
	if err := a.ensureTable(ctx, runner, className); err != nil {
		return err
	}
	id, ok := doc[transform.KeyID].(string)
	if !ok || id == "" {
		return Error.New("document of %s has no %s", className, transform.KeyID)
	}
	text, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("INSERT INTO %s (_id, doc) VALUES (?, ?)", a.tableName(className))
	a.logger.Debug("Executing SQL INSERT", zap.String("sql", stmt), zap.String("id", id))
	if _, err := runner.ExecContext(ctx, stmt, id, text); err != nil {
		return a.translateError(className, err)
	}
	return nil
}

func (a *Adapter) replace(ctx context.Context, runner dbRunner, className string, doc map[string]any) error {
	text, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("UPDATE %s SET doc = ? WHERE _id = ?", a.tableName(className))
	if _, err := runner.ExecContext(ctx, stmt, text, doc[transform.KeyID]); err != nil {
		return a.translateError(className, err)
	}
	return nil
}

// withTx runs fn in a transaction under the write lock.
func (a *Adapter) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.New("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			a.logger.Error("rollback failed", zap.Error(rerr))
		}
		return err
	}
	return Error.Wrap(tx.Commit())
}

// updateMatches applies update to the first limit matches (all when limit
// is zero) and returns them after the update.
func (a *Adapter) updateMatches(ctx context.Context, tx *sql.Tx, className string, q, update bson.M, limit int) ([]map[string]any, error) {
	matches, err := a.match(ctx, tx, className, q, query.ProcessOptions{Limit: limit})
	if err != nil {
		return nil, err
	}
	for _, doc := range matches {
		if err := query.ApplyUpdate(doc, update); err != nil {
			return nil, err
		}
		if err := a.replace(ctx, tx, className, doc); err != nil {
			return nil, err
		}
	}
	return matches, nil
}

// UpdateObjectsByQuery applies update to every match.
func (a *Adapter) UpdateObjectsByQuery(ctx context.Context, className string, class *schema.Class, q, update bson.M) (n int64, err error) {
	defer mon.Task()(&ctx)(&err)
	err = a.withTx(ctx, func(tx *sql.Tx) error {
		matches, err := a.updateMatches(ctx, tx, className, q, update, 0)
		n = int64(len(matches))
		return err
	})
	return n, err
}

// FindOneAndUpdate updates the first match and returns it.
func (a *Adapter) FindOneAndUpdate(ctx context.Context, className string, class *schema.Class, q, update bson.M) (doc bson.M, err error) {
	defer mon.Task()(&ctx)(&err)
	err = a.withTx(ctx, func(tx *sql.Tx) error {
		matches, err := a.updateMatches(ctx, tx, className, q, update, 1)
		if err != nil || len(matches) == 0 {
			return err
		}
		doc = bson.M(matches[0])
		return nil
	})
	return doc, err
}

// UpsertOneObject updates the first match or inserts a document seeded from
// the equalities of q. Seeded documents without an _id get a generated one.
func (a *Adapter) UpsertOneObject(ctx context.Context, className string, class *schema.Class, q, update bson.M) (err error) {
	defer mon.Task()(&ctx)(&err)
	return a.withTx(ctx, func(tx *sql.Tx) error {
		matches, err := a.updateMatches(ctx, tx, className, q, update, 1)
		if err != nil || len(matches) > 0 {
			return err
		}
		doc := query.SeedFromQuery(q)
		if err := query.ApplyUpdate(doc, update); err != nil {
			return err
		}
		if _, ok := doc[transform.KeyID]; !ok {
			doc[transform.KeyID] = persistence.NewObjectID()
		}
		return a.insert(ctx, tx, className, doc)
	})
}

// DeleteObjectsByQuery removes every match.
func (a *Adapter) DeleteObjectsByQuery(ctx context.Context, className string, class *schema.Class, q bson.M) (err error) {
	defer mon.Task()(&ctx)(&err)
	return a.withTx(ctx, func(tx *sql.Tx) error {
		matches, err := a.match(ctx, tx, className, q, query.ProcessOptions{})
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			return core.NewError(core.ObjectNotFound, "Object not found.")
		}
		stmt := fmt.Sprintf("DELETE FROM %s WHERE _id = ?", a.tableName(className))
		for _, doc := range matches {
			if _, err := tx.ExecContext(ctx, stmt, doc[transform.KeyID]); err != nil {
				return Error.New("failed to delete from %s: %w", className, err)
			}
		}
		a.logger.Debug("sqlite delete", zap.String("class", className), zap.Int("rows", len(matches)))
		return nil
	})
}

// Count returns the number of matches.
func (a *Adapter) Count(ctx context.Context, className string, class *schema.Class, q bson.M, opts persistence.QueryOptions) (n int64, err error) {
	defer mon.Task()(&ctx)(&err)
	rows, err := a.match(ctx, a.db, className, q, query.ProcessOptions{Skip: int(opts.Skip), Limit: int(opts.Limit)})
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

// Distinct returns the distinct values of field among the matches.
func (a *Adapter) Distinct(ctx context.Context, className string, class *schema.Class, q bson.M, field string) (_ []any, err error) {
	defer mon.Task()(&ctx)(&err)
	rows, err := a.match(ctx, a.db, className, q, query.ProcessOptions{})
	if err != nil {
		return nil, err
	}
	values := a.processor.Distinct(rows, field)
	if values == nil {
		values = []any{}
	}
	return values, nil
}

// Aggregate runs pipeline in memory. See runPipeline for the supported
// stages.
func (a *Adapter) Aggregate(ctx context.Context, className string, class *schema.Class, pipeline []bson.M, opts persistence.QueryOptions) (_ []bson.M, err error) {
	defer mon.Task()(&ctx)(&err)
	docs, err := a.loadDocuments(ctx, a.db, className)
	if err != nil {
		return nil, err
	}
	out, err := a.runPipeline(ctx, docs, pipeline)
	if err != nil {
		return nil, err
	}
	return toBSON(out), nil
}

func toBSON(rows []map[string]any) []bson.M {
	out := make([]bson.M, len(rows))
	for i, r := range rows {
		out[i] = bson.M(r)
	}
	return out
}

func isNoSuchTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

