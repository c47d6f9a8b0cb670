package engine

import (
	"fmt"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/document"
	"github.com/sushant-115/gojolite/core/indexing/btree"
	"github.com/sushant-115/gojolite/core/transaction"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// KeyRange selects index keys. The zero value selects every key.
type KeyRange struct {
	lower, upper btree.Bound
	set          bool
}

// All selects every key.
func All() KeyRange {
	return KeyRange{
		lower: btree.Bound{Key: document.MinValue, Inclusive: true},
		upper: btree.Bound{Key: document.MaxValue, Inclusive: true},
		set:   true,
	}
}

// EQ selects keys equal to v.
func EQ(v any) KeyRange { return Between(v, v) }

// GT selects keys greater than v.
func GT(v any) KeyRange {
	r := All()
	r.lower = btree.Bound{Key: v}
	return r
}

// GTE selects keys greater than or equal to v.
func GTE(v any) KeyRange {
	r := All()
	r.lower = btree.Bound{Key: v, Inclusive: true}
	return r
}

// LT selects keys less than v.
func LT(v any) KeyRange {
	r := All()
	r.upper = btree.Bound{Key: v}
	return r
}

// LTE selects keys less than or equal to v.
func LTE(v any) KeyRange {
	r := All()
	r.upper = btree.Bound{Key: v, Inclusive: true}
	return r
}

// Between selects keys from lo to hi, both inclusive.
func Between(lo, hi any) KeyRange {
	return KeyRange{
		lower: btree.Bound{Key: lo, Inclusive: true},
		upper: btree.Bound{Key: hi, Inclusive: true},
		set:   true,
	}
}

func (r KeyRange) normalize(n document.Normalizer) (KeyRange, error) {
	if !r.set {
		return All(), nil
	}
	var err error
	if r.lower.Key, err = boundKey(n, r.lower.Key); err != nil {
		return r, err
	}
	if r.upper.Key, err = boundKey(n, r.upper.Key); err != nil {
		return r, err
	}
	return r, nil
}

func boundKey(n document.Normalizer, v any) (any, error) {
	if v == document.MinValue || v == document.MaxValue {
		return v, nil
	}
	key, err := n.Value(v)
	if err != nil {
		return nil, err
	}
	if !document.IsScalar(key) {
		return nil, fmt.Errorf("%w: range bound of type %T", dberror.ErrInvalidArgument, v)
	}
	return key, nil
}

// Query describes a read: the index to walk (the _id index when empty), the
// key range and direction, an optional filter, then Skip and Limit applied
// to the filtered documents. A Limit of 0 means no limit.
type Query struct {
	Index      string
	Range      KeyRange
	Descending bool
	Where      func(document.Document) bool
	Skip       int
	Limit      int
}

// Cursor streams the documents of a query. It is forward-only and cannot
// be restarted. A cursor opened by Engine.Query holds a read snapshot until
// it is exhausted or closed. A cursor opened by Transaction.Query lives no
// longer than its transaction.
type Cursor struct {
	view     *pagemanager.View
	it       *btree.Cursor
	snapshot *transaction.Transaction
	owner    *transaction.Transaction

	where    func(document.Document) bool
	skip     int
	limit    int
	returned int

	doc  document.Document
	err  error
	done bool
}

func (e *Engine) openCursor(view *pagemanager.View, coll string, q Query) (*Cursor, error) {
	if q.Skip < 0 || q.Limit < 0 {
		return nil, fmt.Errorf("%w: skip and limit must not be negative", dberror.ErrInvalidArgument)
	}
	c, ok, err := loadCollection(view, coll)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: collection %q", dberror.ErrNotFound, coll)
	}
	name := q.Index
	if name == "" {
		name = primaryIndexName
	}
	idx := c.index(name)
	if idx == nil {
		return nil, fmt.Errorf("%w: index %q on collection %q", dberror.ErrNotFound, name, coll)
	}
	r, err := q.Range.normalize(e.normalizer())
	if err != nil {
		return nil, err
	}
	it, err := c.tree(view, idx, e.logger).Range(r.lower, r.upper, q.Descending)
	if err != nil {
		return nil, err
	}
	return &Cursor{view: view, it: it, where: q.Where, skip: q.Skip, limit: q.Limit}, nil
}

// Next advances to the next matching document. It returns false when the
// cursor is exhausted or failed; check Err.
func (c *Cursor) Next() bool {
	if c.done {
		return false
	}
	if c.owner != nil && !c.owner.Active() {
		c.finish(fmt.Errorf("%w: transaction %d is %s", dberror.ErrTransactionClosed, c.owner.ID(), c.owner.State()))
		return false
	}
	if c.limit > 0 && c.returned >= c.limit {
		c.finish(nil)
		return false
	}
	for {
		entry, ok, err := c.it.Next()
		if err != nil || !ok {
			c.finish(err)
			return false
		}
		d, err := readDocument(c.view, entry.Addr)
		if err != nil {
			c.finish(err)
			return false
		}
		if c.where != nil && !c.where(d) {
			continue
		}
		if c.skip > 0 {
			c.skip--
			continue
		}
		c.doc = d
		c.returned++
		return true
	}
}

// Document returns the current document.
func (c *Cursor) Document() document.Document { return c.doc }

// Err returns the error that stopped the cursor, if any.
func (c *Cursor) Err() error { return c.err }

// Close releases the cursor snapshot. It is safe to call more than once.
func (c *Cursor) Close() error {
	c.finish(nil)
	return nil
}

// All drains the cursor and closes it.
func (c *Cursor) All() ([]document.Document, error) {
	var out []document.Document
	for c.Next() {
		out = append(out, c.doc)
	}
	return out, c.Err()
}

func (c *Cursor) finish(err error) {
	if c.done {
		return
	}
	c.done = true
	c.doc = nil
	if err != nil {
		c.err = err
	}
	if c.snapshot != nil {
		_ = c.snapshot.Commit()
		c.snapshot = nil
	}
}
