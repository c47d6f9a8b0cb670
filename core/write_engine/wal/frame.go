package wal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/sushant-115/gojolite/core/dberror"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// --- Write-Ahead Log Frame Layout ---
//
// Frame header (FrameHeaderSize bytes):
//   - Byte 0:       Kind
//   - Bytes 1-3:    reserved
//   - Bytes 4-7:    PayloadLen (uint32)
//   - Bytes 8-15:   TxnID (uint64)
//   - Bytes 16-23:  Seq (uint64)
//   - Bytes 24-31:  PageID (uint64)
//   - Bytes 32-35:  CRC32 of header bytes 0-31 and the payload
//   - Bytes 36-39:  reserved
// Page frames carry a full page image. A commit frame carries the number of
// page frames its transaction wrote, so a commit can only be trusted when
// every one of them made it to the log.

const FrameHeaderSize = 40

// FrameKind defines the type of a log frame.
type FrameKind byte

const (
	FrameKindPage   FrameKind = iota + 1 // Page image
	FrameKindCommit                      // Commit marker, terminates a transaction
)

func (k FrameKind) String() string {
	switch k {
	case FrameKindPage:
		return "Page"
	case FrameKindCommit:
		return "Commit"
	default:
		return fmt.Sprintf("FrameKind(%d)", byte(k))
	}
}

// Frame is a decoded log frame.
type Frame struct {
	Kind    FrameKind
	TxnID   uint64
	Seq     uint64
	PageID  pagemanager.PageID
	Payload []byte
}

// Encode appends the serialized frame to dst.
func (f *Frame) Encode(dst []byte) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, FrameHeaderSize)...)
	dst = append(dst, f.Payload...)
	hdr := dst[start : start+FrameHeaderSize]
	hdr[0] = byte(f.Kind)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(f.Payload)))
	binary.LittleEndian.PutUint64(hdr[8:], f.TxnID)
	binary.LittleEndian.PutUint64(hdr[16:], f.Seq)
	binary.LittleEndian.PutUint64(hdr[24:], uint64(f.PageID))
	crc := crc32.NewIEEE()
	crc.Write(hdr[:32])
	crc.Write(dst[start+FrameHeaderSize:])
	binary.LittleEndian.PutUint32(hdr[32:], crc.Sum32())
	return dst
}

// decodeFrameHeader parses a header and returns the payload length it
// announces. The checksum is verified later by verifyFrame.
func decodeFrameHeader(hdr []byte) (*Frame, int, error) {
	if len(hdr) < FrameHeaderSize {
		return nil, 0, fmt.Errorf("%w: short frame header", dberror.ErrCorruptPage)
	}
	f := &Frame{
		Kind:   FrameKind(hdr[0]),
		TxnID:  binary.LittleEndian.Uint64(hdr[8:]),
		Seq:    binary.LittleEndian.Uint64(hdr[16:]),
		PageID: pagemanager.PageID(binary.LittleEndian.Uint64(hdr[24:])),
	}
	n := int(binary.LittleEndian.Uint32(hdr[4:]))
	switch {
	case f.Kind == FrameKindPage && n == pagemanager.PageSize:
	case f.Kind == FrameKindCommit && n == 8:
	default:
		return nil, 0, fmt.Errorf("%w: frame kind %s with %d payload bytes", dberror.ErrCorruptPage, f.Kind, n)
	}
	return f, n, nil
}

func verifyFrame(hdr, payload []byte) bool {
	crc := crc32.NewIEEE()
	crc.Write(hdr[:32])
	crc.Write(payload)
	return crc.Sum32() == binary.LittleEndian.Uint32(hdr[32:])
}
