package pagemanager

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/sushant-115/gojolite/core/dberror"
)

const (
	DBMagic       uint32 = 0x474A4C54 // "GJLT"
	FormatVersion uint32 = 1

	// MaxNameLength bounds collection, index and parameter names.
	MaxNameLength = 60
)

// Header is the decoded content of page 0: allocation state, the
// collection directory and the persisted engine parameters.
type Header struct {
	Magic        uint32
	Version      uint32
	PageSize     uint32
	LastPageID   PageID
	FreeListHead PageID
	FreeCount    uint64
	CreatedAt    time.Time

	// Collections maps collection name to its collection page.
	Collections map[string]PageID
	// Params holds DbParam values, already encoded by the value model.
	Params map[string][]byte
}

// headerFixed mirrors the fixed-size prefix of the header payload. All fields
// have fixed sizes so binary.Read/Write stay consistent.
type headerFixed struct {
	Magic        uint32
	Version      uint32
	PageSize     uint32
	_            uint32
	LastPageID   PageID
	FreeListHead PageID
	FreeCount    uint64
	CreatedAt    int64
}

// NewHeader returns the header of an empty database.
func NewHeader(now time.Time) *Header {
	return &Header{
		Magic:       DBMagic,
		Version:     FormatVersion,
		PageSize:    PageSize,
		LastPageID:  HeaderPageID,
		CreatedAt:   now,
		Collections: make(map[string]PageID),
		Params:      make(map[string][]byte),
	}
}

// Clone returns a deep copy that can be mutated inside a transaction.
func (h *Header) Clone() *Header {
	c := *h
	c.Collections = make(map[string]PageID, len(h.Collections))
	for k, v := range h.Collections {
		c.Collections[k] = v
	}
	c.Params = make(map[string][]byte, len(h.Params))
	for k, v := range h.Params {
		c.Params[k] = append([]byte(nil), v...)
	}
	return &c
}

// EncodeHeader serializes h into the payload of page 0.
func EncodeHeader(h *Header, page *Page) error {
	buf := new(bytes.Buffer)
	fixed := headerFixed{
		Magic:        h.Magic,
		Version:      h.Version,
		PageSize:     h.PageSize,
		LastPageID:   h.LastPageID,
		FreeListHead: h.FreeListHead,
		FreeCount:    h.FreeCount,
		CreatedAt:    h.CreatedAt.UnixNano(),
	}
	if err := binary.Write(buf, binary.LittleEndian, &fixed); err != nil {
		return fmt.Errorf("%w: writing header: %v", dberror.ErrInvalidArgument, err)
	}

	names := sortedKeys(h.Collections)
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(names)))
	for _, name := range names {
		writeName(buf, name)
		_ = binary.Write(buf, binary.LittleEndian, uint64(h.Collections[name]))
	}

	params := sortedKeys(h.Params)
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(params)))
	for _, name := range params {
		writeName(buf, name)
		v := h.Params[name]
		_ = binary.Write(buf, binary.LittleEndian, uint16(len(v)))
		buf.Write(v)
	}

	payload := page.Payload()
	if buf.Len() > len(payload) {
		return fmt.Errorf("%w: header page needs %d bytes, has %d", dberror.ErrOutOfSpace, buf.Len(), len(payload))
	}
	clear(payload)
	copy(payload, buf.Bytes())
	page.SetPageType(PageTypeHeader)
	return nil
}

// DecodeHeader parses page 0.
func DecodeHeader(page *Page) (*Header, error) {
	if page.GetPageType() != PageTypeHeader {
		return nil, fmt.Errorf("%w: page 0 has type %s", dberror.ErrCorruptPage, page.GetPageType())
	}
	r := bytes.NewReader(page.Payload())
	var fixed headerFixed
	if err := binary.Read(r, binary.LittleEndian, &fixed); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", dberror.ErrCorruptPage, err)
	}
	if fixed.Magic != DBMagic {
		return nil, fmt.Errorf("%w: invalid database file magic number 0x%x", dberror.ErrCorruptPage, fixed.Magic)
	}
	if fixed.PageSize != PageSize {
		return nil, fmt.Errorf("%w: database page size %d does not match %d", dberror.ErrCorruptPage, fixed.PageSize, PageSize)
	}
	h := &Header{
		Magic:        fixed.Magic,
		Version:      fixed.Version,
		PageSize:     fixed.PageSize,
		LastPageID:   fixed.LastPageID,
		FreeListHead: fixed.FreeListHead,
		FreeCount:    fixed.FreeCount,
		CreatedAt:    time.Unix(0, fixed.CreatedAt),
		Collections:  make(map[string]PageID),
		Params:       make(map[string][]byte),
	}

	var count uint16
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, corruptHeader(err)
	}
	for i := 0; i < int(count); i++ {
		name, err := readName(r)
		if err != nil {
			return nil, corruptHeader(err)
		}
		var id uint64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return nil, corruptHeader(err)
		}
		h.Collections[name] = PageID(id)
	}

	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, corruptHeader(err)
	}
	for i := 0; i < int(count); i++ {
		name, err := readName(r)
		if err != nil {
			return nil, corruptHeader(err)
		}
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, corruptHeader(err)
		}
		v := make([]byte, n)
		if _, err := io.ReadFull(r, v); err != nil {
			return nil, corruptHeader(err)
		}
		h.Params[name] = v
	}
	return h, nil
}

func corruptHeader(err error) error {
	return fmt.Errorf("%w: header directory: %v", dberror.ErrCorruptPage, err)
}

// ValidateName checks collection, index and parameter names.
func ValidateName(name string) error {
	if name == "" || len(name) > MaxNameLength {
		return fmt.Errorf("%w: %q must be 1-%d bytes", dberror.ErrInvalidName, name, MaxNameLength)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '_' || c == '-' || c == '$' || (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			continue
		}
		return fmt.Errorf("%w: %q contains %q", dberror.ErrInvalidName, name, c)
	}
	return nil
}

func writeName(buf *bytes.Buffer, name string) {
	buf.WriteByte(byte(len(name)))
	buf.WriteString(name)
}

func readName(r *bytes.Reader) (string, error) {
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

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
