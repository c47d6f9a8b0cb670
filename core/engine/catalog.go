package engine

import (
	"context"
	"fmt"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/document"
	"github.com/sushant-115/gojolite/core/indexing/btree"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// CreateCollection creates an empty collection. It returns false when the
// name is taken.
func (t *Transaction) CreateCollection(ctx context.Context, name string, autoID AutoID) (bool, error) {
	created := false
	err := t.exec(ctx, "CreateCollection", name, func(_ context.Context, view *pagemanager.View) error {
		_, ok, err := loadCollection(view, name)
		if err != nil || ok {
			return err
		}
		if _, err := createCollection(view, name, autoID); err != nil {
			return err
		}
		created = true
		return nil
	})
	return created, err
}

// DropCollection frees every page of a collection and removes it from the
// directory. It returns false for an unknown name.
func (t *Transaction) DropCollection(ctx context.Context, name string) (bool, error) {
	dropped := false
	err := t.exec(ctx, "DropCollection", name, func(_ context.Context, view *pagemanager.View) error {
		c, ok, err := loadCollection(view, name)
		if err != nil || !ok {
			return err
		}
		pages := make(map[pagemanager.PageID]struct{})
		var chainErr error
		err = c.tree(view, c.primary(), t.e.logger).Scan(func(en btree.Entry) bool {
			chainErr = chainPages(view, en.Addr, pages)
			return chainErr == nil
		})
		if err == nil {
			err = chainErr
		}
		if err != nil {
			return err
		}
		for id := range pages {
			if err := view.Free(id); err != nil {
				return err
			}
		}
		for _, idx := range c.Indexes {
			if _, err := c.tree(view, idx, t.e.logger).Drop(); err != nil {
				return err
			}
		}
		if err := view.Free(c.pageID); err != nil {
			return err
		}
		h, err := view.Header()
		if err != nil {
			return err
		}
		delete(h.Collections, name)
		view.MarkHeaderDirty()
		dropped = true
		t.e.logger.Info("Dropped collection", zap.String("collection", name), zap.Int("dataPages", len(pages)))
		return nil
	})
	return dropped, err
}

// RenameCollection renames a collection. It returns false when newName is
// taken and fails with ErrNotFound for an unknown name.
func (t *Transaction) RenameCollection(ctx context.Context, name, newName string) (bool, error) {
	renamed := false
	err := t.exec(ctx, "RenameCollection", name, func(_ context.Context, view *pagemanager.View) error {
		if err := pagemanager.ValidateName(newName); err != nil {
			return err
		}
		c, ok, err := loadCollection(view, name)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: collection %q", dberror.ErrNotFound, name)
		}
		h, err := view.Header()
		if err != nil {
			return err
		}
		if _, taken := h.Collections[newName]; taken {
			return nil
		}
		c.Name = newName
		if err := saveCollection(view, c); err != nil {
			return err
		}
		delete(h.Collections, name)
		h.Collections[newName] = c.pageID
		view.MarkHeaderDirty()
		renamed = true
		return nil
	})
	return renamed, err
}

// EnsureIndex creates index name over expression and fills it from the
// stored documents. The collection is created when missing. It returns false
// when an identical index exists; an index with the same name and another
// definition is an error. A unique index over colliding values fails with
// ErrDuplicateKey.
func (t *Transaction) EnsureIndex(ctx context.Context, coll, name, expression string, unique bool) (bool, error) {
	created := false
	err := t.exec(ctx, "EnsureIndex", coll, func(_ context.Context, view *pagemanager.View) error {
		if err := pagemanager.ValidateName(name); err != nil {
			return err
		}
		if len(expression) > MaxExpressionLength {
			return fmt.Errorf("%w: index expression longer than %d bytes", dberror.ErrInvalidArgument, MaxExpressionLength)
		}
		path, err := document.ParsePath(expression)
		if err != nil {
			return err
		}
		c, err := t.collectionOrCreate(view, coll, AutoIDInt)
		if err != nil {
			return err
		}
		if existing := c.index(name); existing != nil {
			if existing.path.String() == path.String() && existing.Unique == unique {
				return nil
			}
			return fmt.Errorf("%w: index %q on %q exists with expression %s", dberror.ErrInvalidArgument, name, coll, existing.Expression)
		}

		root, err := btree.Create(view)
		if err != nil {
			return err
		}
		idx := &IndexInfo{Name: name, Expression: path.String(), Unique: unique, Root: root, path: path}
		tree := c.tree(view, idx, t.e.logger)
		var buildErr error
		err = c.tree(view, c.primary(), t.e.logger).Scan(func(en btree.Entry) bool {
			d, err := readDocument(view, en.Addr)
			if err != nil {
				buildErr = err
				return false
			}
			key, err := path.Key(d)
			if err != nil {
				buildErr = err
				return false
			}
			buildErr = tree.Insert(key, indexSeq(idx), en.Addr)
			return buildErr == nil
		})
		if err == nil {
			err = buildErr
		}
		if err != nil {
			return fmt.Errorf("building index %s of %s: %w", name, coll, err)
		}
		c.Indexes = append(c.Indexes, idx)
		if err := saveCollection(view, c); err != nil {
			return err
		}
		created = true
		t.e.logger.Info("Created index",
			zap.String("collection", coll), zap.String("index", name),
			zap.String("expression", idx.Expression), zap.Bool("unique", unique))
		return nil
	})
	return created, err
}

// DropIndex frees a secondary index. The _id index cannot be dropped.
// Unknown collections or indexes return false.
func (t *Transaction) DropIndex(ctx context.Context, coll, name string) (bool, error) {
	dropped := false
	err := t.exec(ctx, "DropIndex", coll, func(_ context.Context, view *pagemanager.View) error {
		if name == primaryIndexName {
			return fmt.Errorf("%w: the %s index cannot be dropped", dberror.ErrInvalidArgument, primaryIndexName)
		}
		c, ok, err := loadCollection(view, coll)
		if err != nil || !ok {
			return err
		}
		for i, idx := range c.Indexes {
			if idx.Name != name {
				continue
			}
			pages, err := c.tree(view, idx, t.e.logger).Drop()
			if err != nil {
				return err
			}
			c.Indexes = append(c.Indexes[:i], c.Indexes[i+1:]...)
			if err := saveCollection(view, c); err != nil {
				return err
			}
			dropped = true
			t.e.logger.Info("Dropped index", zap.String("collection", coll), zap.String("index", name), zap.Int("pages", pages))
			return nil
		}
		return nil
	})
	return dropped, err
}

// Indexes describes the indexes of coll, _id first.
func (e *Engine) Indexes(coll string) ([]IndexInfo, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	snap := e.txns.BeginRead(context.Background())
	defer snap.Commit()
	c, ok, err := loadCollection(snap.View(), coll)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: collection %q", dberror.ErrNotFound, coll)
	}
	out := make([]IndexInfo, len(c.Indexes))
	for i, idx := range c.Indexes {
		out[i] = *idx
	}
	return out, nil
}
