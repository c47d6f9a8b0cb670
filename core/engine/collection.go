package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/sushant-115/gojolite/core/dberror"
	"github.com/sushant-115/gojolite/core/document"
	"github.com/sushant-115/gojolite/core/indexing/btree"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// AutoID is the strategy that assigns _id to documents inserted without one.
type AutoID uint8

const (
	AutoIDInt  AutoID = iota + 1 // sequential int64, starting at 1
	AutoIDGUID                   // random UUID v4 string
	AutoIDNone                   // the caller always supplies _id
)

func (a AutoID) String() string {
	switch a {
	case AutoIDInt:
		return "Int"
	case AutoIDGUID:
		return "GUID"
	case AutoIDNone:
		return "None"
	default:
		return fmt.Sprintf("AutoID(%d)", uint8(a))
	}
}

func (a AutoID) valid() bool { return a >= AutoIDInt && a <= AutoIDNone }

const (
	primaryIndexName = document.IDField
	primaryIndexExpr = "$._id"

	// MaxExpressionLength bounds index expressions.
	MaxExpressionLength = 255
)

// IndexInfo describes one index of a collection.
type IndexInfo struct {
	Name       string
	Expression string
	Unique     bool
	Root       pagemanager.PageID
	// Seq is the insertion counter that orders duplicates.
	Seq uint64
	// Key statistics, refreshed by Analyze.
	Keys         uint64
	DistinctKeys uint64

	path document.Path
}

// collection is the decoded content of a collection page.
type collection struct {
	pageID   pagemanager.PageID
	Name     string
	AutoID   AutoID
	Sequence int64
	Count    uint64
	DataHint pagemanager.PageID
	Indexes  []*IndexInfo
}

// primary returns the _id index, which is always first.
func (c *collection) primary() *IndexInfo { return c.Indexes[0] }

func (c *collection) index(name string) *IndexInfo {
	for _, idx := range c.Indexes {
		if idx.Name == name {
			return idx
		}
	}
	return nil
}

func (c *collection) tree(store btree.PageStore, idx *IndexInfo, logger *zap.Logger) *btree.BTree {
	return btree.Open(store, idx.Root, idx.Unique, logger)
}

// encodeCollection writes c into its page.
func encodeCollection(c *collection, page *pagemanager.Page) error {
	buf := new(bytes.Buffer)
	writeString8(buf, c.Name)
	fixed := struct {
		AutoID   uint8
		Sequence int64
		Count    uint64
		DataHint uint64
		Indexes  uint16
	}{uint8(c.AutoID), c.Sequence, c.Count, uint64(c.DataHint), uint16(len(c.Indexes))}
	_ = binary.Write(buf, binary.LittleEndian, &fixed)
	for _, idx := range c.Indexes {
		writeString8(buf, idx.Name)
		_ = binary.Write(buf, binary.LittleEndian, uint16(len(idx.Expression)))
		buf.WriteString(idx.Expression)
		entry := struct {
			Unique       bool
			Root         uint64
			Seq          uint64
			Keys         uint64
			DistinctKeys uint64
		}{idx.Unique, uint64(idx.Root), idx.Seq, idx.Keys, idx.DistinctKeys}
		_ = binary.Write(buf, binary.LittleEndian, &entry)
	}

	payload := page.Payload()
	if buf.Len() > len(payload) {
		return fmt.Errorf("%w: collection %q needs %d bytes of metadata, a page holds %d", dberror.ErrOutOfSpace, c.Name, buf.Len(), len(payload))
	}
	page.Reset(pagemanager.PageTypeCollection)
	copy(page.Payload(), buf.Bytes())
	return nil
}

// decodeCollection parses a collection page.
func decodeCollection(page *pagemanager.Page) (*collection, error) {
	if page.GetPageType() != pagemanager.PageTypeCollection {
		return nil, fmt.Errorf("%w: page %d is %s, expected a collection", dberror.ErrCorruptPage, page.GetPageID(), page.GetPageType())
	}
	r := bytes.NewReader(page.Payload())
	corrupt := func(err error) error {
		return fmt.Errorf("%w: collection page %d: %v", dberror.ErrCorruptPage, page.GetPageID(), err)
	}
	c := &collection{pageID: page.GetPageID()}
	var err error
	if c.Name, err = readString8(r); err != nil {
		return nil, corrupt(err)
	}
	var fixed struct {
		AutoID   uint8
		Sequence int64
		Count    uint64
		DataHint uint64
		Indexes  uint16
	}
	if err := binary.Read(r, binary.LittleEndian, &fixed); err != nil {
		return nil, corrupt(err)
	}
	c.AutoID, c.Sequence, c.Count, c.DataHint = AutoID(fixed.AutoID), fixed.Sequence, fixed.Count, pagemanager.PageID(fixed.DataHint)
	if fixed.Indexes == 0 {
		return nil, corrupt(fmt.Errorf("no primary index"))
	}
	for i := 0; i < int(fixed.Indexes); i++ {
		idx := &IndexInfo{}
		if idx.Name, err = readString8(r); err != nil {
			return nil, corrupt(err)
		}
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, corrupt(err)
		}
		expr := make([]byte, n)
		if _, err := io.ReadFull(r, expr); err != nil {
			return nil, corrupt(err)
		}
		idx.Expression = string(expr)
		var entry struct {
			Unique       bool
			Root         uint64
			Seq          uint64
			Keys         uint64
			DistinctKeys uint64
		}
		if err := binary.Read(r, binary.LittleEndian, &entry); err != nil {
			return nil, corrupt(err)
		}
		idx.Unique, idx.Root, idx.Seq, idx.Keys, idx.DistinctKeys = entry.Unique, pagemanager.PageID(entry.Root), entry.Seq, entry.Keys, entry.DistinctKeys
		if idx.path, err = document.ParsePath(idx.Expression); err != nil {
			return nil, corrupt(err)
		}
		c.Indexes = append(c.Indexes, idx)
	}
	return c, nil
}

func writeString8(buf *bytes.Buffer, s string) {
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
}

func readString8(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

// --- catalog access ---

// loadCollection reads the named collection through view.
func loadCollection(view *pagemanager.View, name string) (*collection, bool, error) {
	h, err := view.Header()
	if err != nil {
		return nil, false, err
	}
	id, ok := h.Collections[name]
	if !ok {
		return nil, false, nil
	}
	page, err := view.Get(id)
	if err != nil {
		return nil, false, err
	}
	c, err := decodeCollection(page)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// saveCollection writes c back through a writable view.
func saveCollection(view *pagemanager.View, c *collection) error {
	page, err := view.GetWritable(c.pageID)
	if err != nil {
		return err
	}
	return encodeCollection(c, page)
}

// createCollection allocates the collection page and the primary index
// root, and registers name in the header directory.
func createCollection(view *pagemanager.View, name string, autoID AutoID) (*collection, error) {
	if err := pagemanager.ValidateName(name); err != nil {
		return nil, err
	}
	if !autoID.valid() {
		return nil, fmt.Errorf("%w: unknown auto-id strategy %d", dberror.ErrInvalidArgument, autoID)
	}
	h, err := view.Header()
	if err != nil {
		return nil, err
	}
	page, err := view.Allocate(pagemanager.PageTypeCollection)
	if err != nil {
		return nil, err
	}
	root, err := btree.Create(view)
	if err != nil {
		return nil, err
	}
	c := &collection{
		pageID: page.GetPageID(),
		Name:   name,
		AutoID: autoID,
		Indexes: []*IndexInfo{{
			Name:       primaryIndexName,
			Expression: primaryIndexExpr,
			Unique:     true,
			Root:       root,
			path:       document.MustParsePath(primaryIndexExpr),
		}},
	}
	if err := encodeCollection(c, page); err != nil {
		return nil, err
	}
	h.Collections[name] = c.pageID
	view.MarkHeaderDirty()
	return c, nil
}
