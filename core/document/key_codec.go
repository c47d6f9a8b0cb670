package document

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/sushant-115/gojolite/core/dberror"
)

// MaxKeyLength is the largest encoded index key.
const MaxKeyLength = 1024

const (
	tagMin    byte = 0x00
	tagNull   byte = 0x01
	tagInt    byte = 0x02
	tagFloat  byte = 0x03
	tagString byte = 0x04
	tagFalse  byte = 0x05
	tagTrue   byte = 0x06
	tagMax    byte = 0xFF
)

// EncodeKey encodes a scalar key. The encoding is self-delimiting so keys
// can be packed back to back inside index nodes.
func EncodeKey(v any) ([]byte, error) {
	return AppendKey(nil, v)
}

// AppendKey appends the encoding of v to buf.
func AppendKey(buf []byte, v any) ([]byte, error) {
	start := len(buf)
	switch t := v.(type) {
	case minValue:
		buf = append(buf, tagMin)
	case maxValue:
		buf = append(buf, tagMax)
	case nil:
		buf = append(buf, tagNull)
	case int64:
		buf = append(buf, tagInt)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(t))
	case float64:
		buf = append(buf, tagFloat)
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(t))
	case string:
		if len(t)+3 > MaxKeyLength {
			return buf[:start], fmt.Errorf("%w: string key of %d bytes, limit is %d", dberror.ErrIndexKeyTooLong, len(t), MaxKeyLength-3)
		}
		buf = append(buf, tagString)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(t)))
		buf = append(buf, t...)
	case bool:
		if t {
			buf = append(buf, tagTrue)
		} else {
			buf = append(buf, tagFalse)
		}
	default:
		return buf[:start], fmt.Errorf("%w: %T cannot be an index key", dberror.ErrInvalidArgument, v)
	}
	return buf, nil
}

// KeySize returns the encoded size of a key, or an error for invalid keys.
func KeySize(v any) (int, error) {
	switch t := v.(type) {
	case minValue, maxValue, nil, bool:
		return 1, nil
	case int64, float64:
		return 9, nil
	case string:
		if len(t)+3 > MaxKeyLength {
			return 0, fmt.Errorf("%w: string key of %d bytes, limit is %d", dberror.ErrIndexKeyTooLong, len(t), MaxKeyLength-3)
		}
		return 3 + len(t), nil
	default:
		return 0, fmt.Errorf("%w: %T cannot be an index key", dberror.ErrInvalidArgument, v)
	}
}

// DecodeKey decodes the key at the start of b and returns it with the
// number of bytes consumed.
func DecodeKey(b []byte) (any, int, error) {
	if len(b) == 0 {
		return nil, 0, fmt.Errorf("%w: empty key", dberror.ErrCorruptPage)
	}
	switch b[0] {
	case tagMin:
		return MinValue, 1, nil
	case tagMax:
		return MaxValue, 1, nil
	case tagNull:
		return nil, 1, nil
	case tagFalse:
		return false, 1, nil
	case tagTrue:
		return true, 1, nil
	case tagInt, tagFloat:
		if len(b) < 9 {
			return nil, 0, fmt.Errorf("%w: truncated number key", dberror.ErrCorruptPage)
		}
		u := binary.LittleEndian.Uint64(b[1:9])
		if b[0] == tagInt {
			return int64(u), 9, nil
		}
		return math.Float64frombits(u), 9, nil
	case tagString:
		if len(b) < 3 {
			return nil, 0, fmt.Errorf("%w: truncated string key", dberror.ErrCorruptPage)
		}
		n := int(binary.LittleEndian.Uint16(b[1:3]))
		if len(b) < 3+n {
			return nil, 0, fmt.Errorf("%w: truncated string key", dberror.ErrCorruptPage)
		}
		return string(b[3 : 3+n]), 3 + n, nil
	default:
		return nil, 0, fmt.Errorf("%w: unknown key tag 0x%02x", dberror.ErrCorruptPage, b[0])
	}
}
