package pagemanager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/sushant-115/gojolite/core/dberror"
)

// --- Page Layout ---
//
// Every page is PageSize bytes:
//   - Bytes 0-7:    PageID (uint64)
//   - Byte 8:       PageType
//   - Byte 9:       Flags
//   - Bytes 10-11:  ItemCount (uint16)
//   - Bytes 12-13:  FreeOffset (uint16, data pages)
//   - Bytes 14-15:  reserved
//   - Bytes 16-23:  PrevPageID (uint64)
//   - Bytes 24-31:  NextPageID (uint64)
//   - payload
//   - last 4 bytes: CRC32 (IEEE) of everything before it

const (
	PageSize         = 8192
	PageHeaderSize   = 32
	PageChecksumSize = 4
	PagePayloadSize  = PageSize - PageHeaderSize - PageChecksumSize

	offPageID     = 0
	offPageType   = 8
	offFlags      = 9
	offItemCount  = 10
	offFreeOffset = 12
	offPrevPageID = 16
	offNextPageID = 24
	offChecksum   = PageSize - PageChecksumSize
)

// PageID represents a unique identifier for a page on disk.
type PageID uint64

const (
	// HeaderPageID is the file header. It doubles as the "no page" marker
	// in links because no link can ever point at the header.
	HeaderPageID  PageID = 0
	InvalidPageID PageID = 0
)

// PageType tags what a page holds. A page only changes type by being freed
// and allocated again.
type PageType uint8

const (
	PageTypeEmpty PageType = iota
	PageTypeHeader
	PageTypeCollection
	PageTypeIndex
	PageTypeData
)

func (t PageType) String() string {
	switch t {
	case PageTypeEmpty:
		return "Empty"
	case PageTypeHeader:
		return "Header"
	case PageTypeCollection:
		return "Collection"
	case PageTypeIndex:
		return "Index"
	case PageTypeData:
		return "Data"
	default:
		return fmt.Sprintf("PageType(%d)", uint8(t))
	}
}

// Page is an in-memory copy of a disk page. Pages handed out by snapshot
// reads are shared and must be treated as immutable; writers work on a Clone.
type Page struct {
	id   PageID
	data []byte
}

// NewPage creates a zeroed page of the given type.
func NewPage(id PageID, pageType PageType) *Page {
	p := &Page{id: id, data: make([]byte, PageSize)}
	binary.LittleEndian.PutUint64(p.data[offPageID:], uint64(id))
	p.data[offPageType] = byte(pageType)
	return p
}

// PageFromBytes wraps a raw image read from a backend. The id is the page
// number the image was requested for; Verify compares it with the image.
func PageFromBytes(id PageID, data []byte) *Page {
	return &Page{id: id, data: data}
}

func (p *Page) GetPageID() PageID { return p.id }
func (p *Page) GetData() []byte { return p.data }

// Payload is the writable region between header and checksum.
func (p *Page) Payload() []byte {
	return p.data[PageHeaderSize:offChecksum]
}

func (p *Page) GetPageType() PageType { return PageType(p.data[offPageType]) }
func (p *Page) SetPageType(t PageType) { p.data[offPageType] = byte(t) }
func (p *Page) GetFlags() uint8 { return p.data[offFlags] }
func (p *Page) SetFlags(f uint8) { p.data[offFlags] = f }
func (p *Page) GetItemCount() int { return int(binary.LittleEndian.Uint16(p.data[offItemCount:])) }
func (p *Page) SetItemCount(n int) { binary.LittleEndian.PutUint16(p.data[offItemCount:], uint16(n)) }
func (p *Page) GetFreeOffset() int { return int(binary.LittleEndian.Uint16(p.data[offFreeOffset:])) }
func (p *Page) SetFreeOffset(n int) { binary.LittleEndian.PutUint16(p.data[offFreeOffset:], uint16(n)) }
func (p *Page) GetPrevPageID() PageID { return PageID(binary.LittleEndian.Uint64(p.data[offPrevPageID:])) }
func (p *Page) SetPrevPageID(id PageID) { binary.LittleEndian.PutUint64(p.data[offPrevPageID:], uint64(id)) }
func (p *Page) GetNextPageID() PageID { return PageID(binary.LittleEndian.Uint64(p.data[offNextPageID:])) }
func (p *Page) SetNextPageID(id PageID) { binary.LittleEndian.PutUint64(p.data[offNextPageID:], uint64(id)) }

// Reset wipes the page and retypes it, keeping its id.
func (p *Page) Reset(t PageType) {
	clear(p.data)
	binary.LittleEndian.PutUint64(p.data[offPageID:], uint64(p.id))
	p.data[offPageType] = byte(t)
}

// Clone returns a deep copy.
func (p *Page) Clone() *Page {
	data := make([]byte, len(p.data))
	copy(data, p.data)
	return &Page{id: p.id, data: data}
}

// Seal stamps the page id and checksum. It must be called before the image
// leaves memory.
func (p *Page) Seal() {
	binary.LittleEndian.PutUint64(p.data[offPageID:], uint64(p.id))
	binary.LittleEndian.PutUint32(p.data[offChecksum:], crc32.ChecksumIEEE(p.data[:offChecksum]))
}

// Verify checks the checksum and that the image belongs to the page it was
// read for. A stale image written for another page is as corrupt as a torn one.
func (p *Page) Verify() error {
	if len(p.data) != PageSize {
		return fmt.Errorf("%w: page %d has %d bytes", dberror.ErrCorruptPage, p.id, len(p.data))
	}
	stored := binary.LittleEndian.Uint32(p.data[offChecksum:])
	if computed := crc32.ChecksumIEEE(p.data[:offChecksum]); stored != computed {
		return fmt.Errorf("%w: page %d checksum 0x%08x, computed 0x%08x", dberror.ErrCorruptPage, p.id, stored, computed)
	}
	if onDisk := PageID(binary.LittleEndian.Uint64(p.data[offPageID:])); onDisk != p.id {
		return fmt.Errorf("%w: page %d holds image of page %d", dberror.ErrCorruptPage, p.id, onDisk)
	}
	return nil
}
