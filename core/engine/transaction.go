package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/document"
	"github.com/sushant-115/gojolite/core/indexing/btree"
	"github.com/sushant-115/gojolite/core/transaction"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// Transaction is an explicit write transaction. Any failed operation rolls
// it back; later calls then fail with ErrTransactionClosed. A Transaction
// must not be shared between goroutines without external ordering.
type Transaction struct {
	e   *Engine
	txn *transaction.Transaction
	mu  sync.Mutex
}

// ID returns the transaction id.
func (t *Transaction) ID() uint64 { return t.txn.ID() }

// Commit makes every change durable.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.txn.Commit()
}

// Rollback discards every change.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.txn.Rollback()
}

// exec runs fn against the transaction view inside an engine.<op> span and
// rolls the transaction back when fn fails.
func (t *Transaction) exec(ctx context.Context, op, coll string, fn func(ctx context.Context, view *pagemanager.View) error) (err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.txn.Active() {
		return fmt.Errorf("%w: transaction %d is %s", dberror.ErrTransactionClosed, t.txn.ID(), t.txn.State())
	}
	if err := t.e.checkOpen(); err != nil {
		t.rollbackLocked(op, coll, err)
		return err
	}
	ctx, span := t.e.startSpan(ctx, op, coll)
	defer func() { endSpan(span, err) }()

	if err = fn(ctx, t.txn.View()); err != nil {
		t.rollbackLocked(op, coll, err)
	}
	return err
}

// rollbackLocked ends the transaction after op failed with cause. t.mu must
// be held.
func (t *Transaction) rollbackLocked(op, coll string, cause error) {
	if rerr := ignoreClosed(t.txn.Rollback()); rerr != nil {
		t.e.logger.Error("Implicit rollback failed", zap.Uint64("txnID", t.txn.ID()), zap.Error(rerr))
	}
	t.e.logger.Debug("Operation failed, transaction rolled back",
		zap.String("op", op), zap.String("collection", coll), zap.Uint64("txnID", t.txn.ID()), zap.Error(cause))
}

// Insert adds docs to coll, creating the collection with autoID when needed.
// Generated ids are written back into docs.
func (t *Transaction) Insert(ctx context.Context, coll string, docs []document.Document, autoID AutoID) (int, error) {
	n := 0
	err := t.exec(ctx, "Insert", coll, func(ctx context.Context, view *pagemanager.View) error {
		c, err := t.collectionOrCreate(view, coll, autoID)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			if err := t.insertOne(view, c, doc); err != nil {
				return err
			}
			n++
		}
		if err := saveCollection(view, c); err != nil {
			return err
		}
		t.e.metrics.RecordDocuments(ctx, "insert", n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Update replaces documents by _id. Documents whose _id is not stored are
// skipped and not counted.
func (t *Transaction) Update(ctx context.Context, coll string, docs []document.Document) (int, error) {
	n := 0
	err := t.exec(ctx, "Update", coll, func(ctx context.Context, view *pagemanager.View) error {
		c, ok, err := loadCollection(view, coll)
		if err != nil || !ok {
			return err
		}
		for _, doc := range docs {
			d, err := t.e.normalizer().Document(doc)
			if err != nil {
				return err
			}
			updated, err := t.updateOne(view, c, d)
			if err != nil {
				return err
			}
			if updated {
				n++
			}
		}
		if err := saveCollection(view, c); err != nil {
			return err
		}
		t.e.metrics.RecordDocuments(ctx, "update", n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// UpdateMany replaces every document for which where returns true (all
// documents when where is nil) with extend applied to a copy of it. extend
// must keep _id unchanged.
func (t *Transaction) UpdateMany(ctx context.Context, coll string, extend func(document.Document) document.Document, where func(document.Document) bool) (int, error) {
	n := 0
	err := t.exec(ctx, "UpdateMany", coll, func(ctx context.Context, view *pagemanager.View) error {
		if extend == nil {
			return fmt.Errorf("%w: UpdateMany needs an extend function", dberror.ErrInvalidArgument)
		}
		c, ok, err := loadCollection(view, coll)
		if err != nil || !ok {
			return err
		}
		matches, err := matchingDocuments(view, c, where, t.e.logger)
		if err != nil {
			return err
		}
		for _, old := range matches {
			next, err := t.e.normalizer().Document(extend(old.Clone()))
			if err != nil {
				return err
			}
			oldID, _ := old.ID()
			newID, ok := next.ID()
			if !ok || !document.IsScalar(newID) || document.Compare(oldID, newID) != 0 {
				return fmt.Errorf("%w: UpdateMany must not change _id %v", dberror.ErrInvalidArgument, oldID)
			}
			if _, err := t.updateOne(view, c, next); err != nil {
				return err
			}
			n++
		}
		if err := saveCollection(view, c); err != nil {
			return err
		}
		t.e.metrics.RecordDocuments(ctx, "update", n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Upsert updates documents whose _id is stored and inserts the rest. It
// returns the number of inserted documents.
func (t *Transaction) Upsert(ctx context.Context, coll string, docs []document.Document, autoID AutoID) (int, error) {
	inserted := 0
	err := t.exec(ctx, "Upsert", coll, func(ctx context.Context, view *pagemanager.View) error {
		c, err := t.collectionOrCreate(view, coll, autoID)
		if err != nil {
			return err
		}
		updated := 0
		for _, doc := range docs {
			d, err := t.e.normalizer().Document(doc)
			if err != nil {
				return err
			}
			if id, ok := d.ID(); ok && id != nil && document.IsScalar(id) {
				done, err := t.updateOne(view, c, d)
				if err != nil {
					return err
				}
				if done {
					updated++
					continue
				}
			}
			if err := t.insertOne(view, c, doc); err != nil {
				return err
			}
			inserted++
		}
		if err := saveCollection(view, c); err != nil {
			return err
		}
		t.e.metrics.RecordDocuments(ctx, "insert", inserted)
		t.e.metrics.RecordDocuments(ctx, "update", updated)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// Delete removes documents by _id and returns how many were stored.
func (t *Transaction) Delete(ctx context.Context, coll string, ids []any) (int, error) {
	n := 0
	err := t.exec(ctx, "Delete", coll, func(ctx context.Context, view *pagemanager.View) error {
		c, ok, err := loadCollection(view, coll)
		if err != nil || !ok {
			return err
		}
		for _, id := range ids {
			key, err := t.e.normalizer().Value(id)
			if err != nil {
				return err
			}
			if !document.IsScalar(key) {
				continue
			}
			deleted, err := deleteOne(view, c, key, t.e.logger)
			if err != nil {
				return err
			}
			if deleted {
				n++
			}
		}
		if err := saveCollection(view, c); err != nil {
			return err
		}
		t.e.metrics.RecordDocuments(ctx, "delete", n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteMany removes every document for which where returns true, or all
// documents when where is nil.
func (t *Transaction) DeleteMany(ctx context.Context, coll string, where func(document.Document) bool) (int, error) {
	n := 0
	err := t.exec(ctx, "DeleteMany", coll, func(ctx context.Context, view *pagemanager.View) error {
		c, ok, err := loadCollection(view, coll)
		if err != nil || !ok {
			return err
		}
		matches, err := matchingDocuments(view, c, where, t.e.logger)
		if err != nil {
			return err
		}
		for _, d := range matches {
			id, _ := d.ID()
			if _, err := deleteOne(view, c, id, t.e.logger); err != nil {
				return err
			}
			n++
		}
		if err := saveCollection(view, c); err != nil {
			return err
		}
		t.e.metrics.RecordDocuments(ctx, "delete", n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Query opens a cursor that reads through this transaction, so it sees the
// transaction's own changes. Modifying the collection while the cursor is
// open invalidates it. Once the transaction commits or rolls back the cursor
// stops with ErrTransactionClosed.
func (t *Transaction) Query(ctx context.Context, coll string, q Query) (*Cursor, error) {
	var cur *Cursor
	err := t.exec(ctx, "Query", coll, func(_ context.Context, view *pagemanager.View) error {
		var err error
		cur, err = t.e.openCursor(view, coll, q)
		return err
	})
	if err != nil {
		return nil, err
	}
	cur.owner = t.txn
	return cur, nil
}

// --- document plumbing ---

func (t *Transaction) collectionOrCreate(view *pagemanager.View, name string, autoID AutoID) (*collection, error) {
	c, ok, err := loadCollection(view, name)
	if err != nil {
		return nil, err
	}
	if ok {
		return c, nil
	}
	c, err = createCollection(view, name, autoID)
	if err != nil {
		return nil, err
	}
	t.e.logger.Info("Created collection", zap.String("collection", name), zap.Stringer("autoID", autoID))
	return c, nil
}

// insertOne normalizes doc, assigns its _id and stores it with its index
// entries. A generated id is also set on doc.
func (t *Transaction) insertOne(view *pagemanager.View, c *collection, doc document.Document) error {
	if doc == nil {
		return fmt.Errorf("%w: nil document", dberror.ErrInvalidArgument)
	}
	d, err := t.e.normalizer().Document(doc)
	if err != nil {
		return err
	}
	generated, err := assignID(c, d)
	if err != nil {
		return err
	}
	if generated {
		doc[document.IDField] = d[document.IDField]
	}
	return insertDocument(view, c, d, t.e.logger)
}

// assignID applies the collection auto-id strategy to d and reports whether
// it generated the id.
func assignID(c *collection, d document.Document) (bool, error) {
	id, ok := d.ID()
	if !ok {
		switch c.AutoID {
		case AutoIDInt:
			c.Sequence++
			d[document.IDField] = c.Sequence
		case AutoIDGUID:
			d[document.IDField] = uuid.NewString()
		default:
			return false, fmt.Errorf("%w: collection %q requires an _id", dberror.ErrInvalidAutoID, c.Name)
		}
		return true, nil
	}
	if !document.IsScalar(id) || id == nil {
		return false, fmt.Errorf("%w: _id of type %T", dberror.ErrInvalidAutoID, id)
	}
	switch c.AutoID {
	case AutoIDInt:
		n, ok := id.(int64)
		if !ok {
			return false, fmt.Errorf("%w: collection %q uses Int ids, got %T", dberror.ErrInvalidAutoID, c.Name, id)
		}
		if n > c.Sequence {
			c.Sequence = n
		}
	case AutoIDGUID:
		s, ok := id.(string)
		if !ok {
			return false, fmt.Errorf("%w: collection %q uses GUID ids, got %T", dberror.ErrInvalidAutoID, c.Name, id)
		}
		if _, err := uuid.Parse(s); err != nil {
			return false, fmt.Errorf("%w: %q is not a GUID", dberror.ErrInvalidAutoID, s)
		}
	}
	return false, nil
}

func indexSeq(idx *IndexInfo) uint64 {
	if idx.Unique {
		return 0
	}
	idx.Seq++
	return idx.Seq
}

// insertDocument stores d, which already carries its _id, and adds it to
// every index.
func insertDocument(view *pagemanager.View, c *collection, d document.Document, logger *zap.Logger) error {
	id, _ := d.ID()
	data, err := document.Marshal(d)
	if err != nil {
		return err
	}
	keys := make([]any, len(c.Indexes))
	keys[0] = id
	for i, idx := range c.Indexes[1:] {
		if keys[i+1], err = idx.path.Key(d); err != nil {
			return err
		}
	}
	addr, err := writeChain(view, c, data)
	if err != nil {
		return err
	}
	for i, idx := range c.Indexes {
		if err := c.tree(view, idx, logger).Insert(keys[i], indexSeq(idx), addr); err != nil {
			return fmt.Errorf("index %s of %s: %w", idx.Name, c.Name, err)
		}
	}
	c.Count++
	return nil
}

// updateOne replaces the stored document with d's _id. It reports false
// when no such document exists.
func (t *Transaction) updateOne(view *pagemanager.View, c *collection, d document.Document) (bool, error) {
	id, ok := d.ID()
	if !ok || !document.IsScalar(id) {
		return false, fmt.Errorf("%w: update needs a scalar _id", dberror.ErrInvalidArgument)
	}
	logger := t.e.logger
	primary := c.tree(view, c.primary(), logger)
	entry, found, err := primary.Find(id)
	if err != nil || !found {
		return false, err
	}
	old, err := readDocument(view, entry.Addr)
	if err != nil {
		return false, err
	}

	type change struct {
		tree           *btree.BTree
		oldKey, newKey any
		oldSeq, newSeq uint64
	}
	changes := make([]change, 0, len(c.Indexes)-1)
	for _, idx := range c.Indexes[1:] {
		tree := c.tree(view, idx, logger)
		oldKey, err := idx.path.Key(old)
		if err != nil {
			return false, err
		}
		newKey, err := idx.path.Key(d)
		if err != nil {
			return false, err
		}
		oldSeq, err := entrySeq(tree, oldKey, entry.Addr)
		if err != nil {
			return false, err
		}
		newSeq := oldSeq
		if !idx.Unique && document.Compare(oldKey, newKey) != 0 {
			newSeq = indexSeq(idx)
		}
		changes = append(changes, change{tree, oldKey, newKey, oldSeq, newSeq})
	}

	data, err := document.Marshal(d)
	if err != nil {
		return false, err
	}
	for _, ch := range changes {
		if _, err := ch.tree.Delete(ch.oldKey, ch.oldSeq); err != nil {
			return false, err
		}
	}
	if _, err := primary.Delete(id, 0); err != nil {
		return false, err
	}
	if err := deleteChain(view, c, entry.Addr); err != nil {
		return false, err
	}
	addr, err := writeChain(view, c, data)
	if err != nil {
		return false, err
	}
	if err := primary.Insert(id, 0, addr); err != nil {
		return false, err
	}
	for _, ch := range changes {
		if err := ch.tree.Insert(ch.newKey, ch.newSeq, addr); err != nil {
			return false, err
		}
	}
	return true, nil
}

// deleteOne removes the document stored under id.
func deleteOne(view *pagemanager.View, c *collection, id any, logger *zap.Logger) (bool, error) {
	primary := c.tree(view, c.primary(), logger)
	entry, found, err := primary.Find(id)
	if err != nil || !found {
		return false, err
	}
	d, err := readDocument(view, entry.Addr)
	if err != nil {
		return false, err
	}
	for _, idx := range c.Indexes[1:] {
		tree := c.tree(view, idx, logger)
		key, err := idx.path.Key(d)
		if err != nil {
			return false, err
		}
		seq, err := entrySeq(tree, key, entry.Addr)
		if err != nil {
			return false, err
		}
		if _, err := tree.Delete(key, seq); err != nil {
			return false, err
		}
	}
	if _, err := primary.Delete(id, 0); err != nil {
		return false, err
	}
	if err := deleteChain(view, c, entry.Addr); err != nil {
		return false, err
	}
	c.Count--
	return true, nil
}

// entrySeq finds the sequence of the entry pointing at addr under key.
func entrySeq(tree *btree.BTree, key any, addr pagemanager.PageAddress) (uint64, error) {
	if tree.Unique() {
		return 0, nil
	}
	bound := btree.Bound{Key: key, Inclusive: true}
	cur, err := tree.Range(bound, bound, false)
	if err != nil {
		return 0, err
	}
	for {
		e, ok, err := cur.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("%w: no index entry for %v at %s", dberror.ErrCorruptPage, key, addr)
		}
		if e.Addr == addr {
			return e.Seq, nil
		}
	}
}

func readDocument(view *pagemanager.View, addr pagemanager.PageAddress) (document.Document, error) {
	data, err := readChain(view, addr)
	if err != nil {
		return nil, err
	}
	return document.Unmarshal(data)
}

// matchingDocuments collects the documents of c accepted by where, in _id
// order.
func matchingDocuments(view *pagemanager.View, c *collection, where func(document.Document) bool, logger *zap.Logger) ([]document.Document, error) {
	var out []document.Document
	var readErr error
	err := c.tree(view, c.primary(), logger).Scan(func(e btree.Entry) bool {
		d, err := readDocument(view, e.Addr)
		if err != nil {
			readErr = err
			return false
		}
		if where == nil || where(d) {
			out = append(out, d)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, readErr
}
