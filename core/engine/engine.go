// Package engine is the public face of gojolite: an embedded, single-file,
// transactional document store. An Engine owns its backends, the write-ahead
// log, the page manager and the transaction manager, and exposes document
// CRUD, queries, index management and maintenance on top of them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/document"
	"github.com/sushant-115/gojolite/core/transaction"
	diskmanager "github.com/sushant-115/gojolite/core/write_engine/disk_manager"
	"github.com/sushant-115/gojolite/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"github.com/sushant-115/gojolite/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojolite/internal/telemetry"
	"github.com/sushant-115/gojolite/pkg/logger"
	"github.com/sushant-115/gojolite/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Engine is an open database. It is safe for concurrent use.
type Engine struct {
	settings Settings
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *internaltelemetry.EngineMetrics

	telemetry *telemetry.Telemetry
	shutdown  telemetry.ShutdownFunc

	data diskmanager.Backend
	lm   *wal.LogManager
	pm   *pagemanager.PageManager
	txns *transaction.Manager

	utcDate atomic.Bool
	closed  atomic.Bool
}

// Open opens or creates the database described by s. Committed transactions
// found in the log are folded into the data file before Open returns, unless
// the engine is read-only.
func Open(ctx context.Context, s Settings) (_ *Engine, err error) {
	if err := s.validate(); err != nil {
		return nil, err
	}
	s = s.withDefaults()

	e := &Engine{settings: s}
	var cleanup []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(cleanup) - 1; i >= 0; i-- {
			err = multierr.Append(err, cleanup[i]())
		}
	}()

	base := s.Logger
	if base == nil {
		if base, err = logger.New(logger.Config{
			Level:  s.LogLevel,
			Format: "json",
			Fields: map[string]string{"database": s.sourceName()},
		}); err != nil {
			return nil, err
		}
	}
	e.logger = base.Named("engine")

	tel, shutdown, err := telemetry.New(s.Telemetry)
	if err != nil {
		return nil, err
	}
	e.telemetry, e.shutdown = tel, shutdown
	cleanup = append(cleanup, func() error { return shutdown(context.Background()) })
	meter, tracer := s.Meter, s.Tracer
	if meter == nil {
		meter = tel.Meter
	}
	if tracer == nil {
		tracer = tel.Tracer
	}
	e.tracer = tracer
	if e.metrics, err = internaltelemetry.NewEngineMetrics(meter); err != nil {
		return nil, fmt.Errorf("failed to create engine metrics: %w", err)
	}

	data, logBackend, err := s.openBackends()
	if err != nil {
		return nil, err
	}
	e.data = data
	cleanup = append(cleanup, data.Close, logBackend.Close)

	lm, stats, err := wal.Open(logBackend, base)
	if err != nil {
		return nil, err
	}
	e.lm = lm
	e.pm = pagemanager.NewPageManager(data, memtable.NewPageCache(s.CacheSize, base), lm, base)
	created, err := e.pm.Initialize(s.ReadOnly, time.Now())
	if err != nil {
		return nil, err
	}
	if created {
		if err := e.pm.ExtendFile(s.InitialSize); err != nil {
			return nil, err
		}
	}

	checkpointSize := s.CheckpointSize
	if checkpointSize < 0 {
		checkpointSize = 0
	}
	e.txns = transaction.NewManager(lm, e.pm, transaction.Options{
		Timeout:        s.Timeout,
		CheckpointSize: checkpointSize,
		ReadOnly:       s.ReadOnly,
		Metrics:        e.metrics,
		Logger:         base,
	})
	e.utcDate.Store(s.UtcDate)

	if !s.ReadOnly && stats.CommittedTxns > 0 {
		if _, err := e.txns.Checkpoint(ctx); err != nil {
			return nil, fmt.Errorf("failed to checkpoint recovered log: %w", err)
		}
	}
	if err := e.enforceLimit(s.LimitSize); err != nil {
		return nil, err
	}
	if err := e.applyParams(); err != nil {
		return nil, err
	}

	e.logger.Info("Opened database",
		zap.String("source", data.Name()),
		zap.Bool("created", created),
		zap.Bool("readOnly", s.ReadOnly),
		zap.Uint64("version", e.txns.CurrentVersion()))
	return e, nil
}

// Close ends the engine. With CheckpointOnShutdown set the log is folded into
// the data file first. Closing twice is a no-op.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	ctx := context.Background()
	var err error
	if e.settings.CheckpointOnShutdown && !e.settings.ReadOnly {
		if _, cerr := e.txns.Checkpoint(ctx); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("shutdown checkpoint: %w", cerr))
		}
	}
	err = multierr.Combine(err, e.lm.Close(), e.data.Close(), e.shutdown(ctx))
	if err != nil {
		e.logger.Error("Closed database with errors", zap.Error(err))
	} else {
		e.logger.Info("Closed database")
	}
	_ = e.logger.Sync()
	return err
}

// Telemetry returns the telemetry components the engine built, for example
// to mount MetricsHandler.
func (e *Engine) Telemetry() *telemetry.Telemetry { return e.telemetry }

func (e *Engine) checkOpen() error {
	if e.closed.Load() {
		return dberror.ErrEngineClosed
	}
	return nil
}

func (e *Engine) normalizer() document.Normalizer {
	return document.Normalizer{UTC: e.utcDate.Load()}
}

// startSpan opens an engine.<op> span tagged with the collection.
func (e *Engine) startSpan(ctx context.Context, op, coll string) (context.Context, trace.Span) {
	var opts []trace.SpanStartOption
	if coll != "" {
		opts = append(opts, trace.WithAttributes(attribute.String("collection", coll)))
	}
	return e.tracer.Start(ctx, "engine."+op, opts...)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// BeginTrans starts an explicit write transaction. It waits at most the
// engine timeout for the writer lock.
func (e *Engine) BeginTrans(ctx context.Context) (*Transaction, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	txn, err := e.txns.BeginWrite(ctx)
	if err != nil {
		return nil, err
	}
	return &Transaction{e: e, txn: txn}, nil
}

// write runs fn in an implicit transaction that commits on success.
func (e *Engine) write(ctx context.Context, fn func(t *Transaction) (int, error)) (int, error) {
	t, err := e.BeginTrans(ctx)
	if err != nil {
		return 0, err
	}
	n, err := fn(t)
	if err != nil {
		if rerr := ignoreClosed(t.Rollback()); rerr != nil {
			e.logger.Error("Rollback of implicit transaction failed", zap.Uint64("txnID", t.ID()), zap.Error(rerr))
		}
		return 0, err
	}
	if err := t.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (e *Engine) writeBool(ctx context.Context, fn func(t *Transaction) (bool, error)) (bool, error) {
	n, err := e.write(ctx, func(t *Transaction) (int, error) {
		ok, err := fn(t)
		if ok {
			return 1, err
		}
		return 0, err
	})
	return n == 1, err
}

// Insert adds docs to coll, creating the collection with autoID when it does
// not exist. Generated ids are written back into docs.
func (e *Engine) Insert(ctx context.Context, coll string, docs []document.Document, autoID AutoID) (int, error) {
	return e.write(ctx, func(t *Transaction) (int, error) { return t.Insert(ctx, coll, docs, autoID) })
}

// Update replaces documents by _id and returns how many existed.
func (e *Engine) Update(ctx context.Context, coll string, docs []document.Document) (int, error) {
	return e.write(ctx, func(t *Transaction) (int, error) { return t.Update(ctx, coll, docs) })
}

// UpdateMany replaces every document matching where with extend(doc).
func (e *Engine) UpdateMany(ctx context.Context, coll string, extend func(document.Document) document.Document, where func(document.Document) bool) (int, error) {
	return e.write(ctx, func(t *Transaction) (int, error) { return t.UpdateMany(ctx, coll, extend, where) })
}

// Upsert updates existing documents and inserts the others. It returns the
// number of inserted documents.
func (e *Engine) Upsert(ctx context.Context, coll string, docs []document.Document, autoID AutoID) (int, error) {
	return e.write(ctx, func(t *Transaction) (int, error) { return t.Upsert(ctx, coll, docs, autoID) })
}

// Delete removes documents by _id and returns how many existed.
func (e *Engine) Delete(ctx context.Context, coll string, ids []any) (int, error) {
	return e.write(ctx, func(t *Transaction) (int, error) { return t.Delete(ctx, coll, ids) })
}

// DeleteMany removes every document matching where.
func (e *Engine) DeleteMany(ctx context.Context, coll string, where func(document.Document) bool) (int, error) {
	return e.write(ctx, func(t *Transaction) (int, error) { return t.DeleteMany(ctx, coll, where) })
}

// CreateCollection creates an empty collection. It returns false when the
// name is taken.
func (e *Engine) CreateCollection(ctx context.Context, name string, autoID AutoID) (bool, error) {
	return e.writeBool(ctx, func(t *Transaction) (bool, error) { return t.CreateCollection(ctx, name, autoID) })
}

// DropCollection removes a collection with its documents and indexes.
func (e *Engine) DropCollection(ctx context.Context, name string) (bool, error) {
	return e.writeBool(ctx, func(t *Transaction) (bool, error) { return t.DropCollection(ctx, name) })
}

// RenameCollection renames a collection. It returns false when newName is
// taken.
func (e *Engine) RenameCollection(ctx context.Context, name, newName string) (bool, error) {
	return e.writeBool(ctx, func(t *Transaction) (bool, error) { return t.RenameCollection(ctx, name, newName) })
}

// EnsureIndex creates an index over expression unless one with that name
// exists already.
func (e *Engine) EnsureIndex(ctx context.Context, coll, name, expression string, unique bool) (bool, error) {
	return e.writeBool(ctx, func(t *Transaction) (bool, error) { return t.EnsureIndex(ctx, coll, name, expression, unique) })
}

// DropIndex removes a secondary index.
func (e *Engine) DropIndex(ctx context.Context, coll, name string) (bool, error) {
	return e.writeBool(ctx, func(t *Transaction) (bool, error) { return t.DropIndex(ctx, coll, name) })
}

// Query opens a cursor on a read snapshot taken now. The snapshot is held
// until the cursor is exhausted or closed.
func (e *Engine) Query(ctx context.Context, coll string, q Query) (_ *Cursor, err error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	ctx, span := e.startSpan(ctx, "Query", coll)
	defer func() { endSpan(span, err) }()

	snap := e.txns.BeginRead(ctx)
	cur, err := e.openCursor(snap.View(), coll, q)
	if err != nil {
		_ = snap.Rollback()
		return nil, err
	}
	cur.snapshot = snap
	return cur, nil
}

// Collections returns the collection names in order.
func (e *Engine) Collections() ([]string, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	snap := e.txns.BeginRead(context.Background())
	defer snap.Commit()
	h, err := snap.View().Header()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(h.Collections))
	for name := range h.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Checkpoint folds the log into the data file and returns the number of
// pages written. It waits for snapshots older than the current version.
func (e *Engine) Checkpoint(ctx context.Context) (_ int, err error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	ctx, span := e.startSpan(ctx, "Checkpoint", "")
	defer func() { endSpan(span, err) }()
	return e.txns.Checkpoint(ctx)
}

func ignoreClosed(err error) error {
	if errors.Is(err, dberror.ErrTransactionClosed) {
		return nil
	}
	return err
}
