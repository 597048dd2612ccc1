package codec

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

const (
	signMask uint64 = 0x8000000000000000

	encGroupSize = 8
	encMarker    = byte(0xFF)
	encPad       = byte(0x0)

	tupleString = byte(0x01)
	tupleInt64  = byte(0x02)
)

var pads = make([]byte, encGroupSize)

// EncodeBytes guarantees the encoded value is in ascending order for comparison,
// encoding with the following rule:
//  [group1][marker1]...[groupN][markerN]
//  group is 8 bytes slice which is padding with 0.
//  marker is `0xFF - padding 0 count`
// For example:
//   [] -> [0, 0, 0, 0, 0, 0, 0, 0, 247]
//   [1, 2, 3] -> [1, 2, 3, 0, 0, 0, 0, 0, 250]
// Refer: https://github.com/facebook/mysql-5.6/wiki/MyRocks-record-format#memcomparable-format.
func EncodeBytes(data []byte) []byte {
	dLen := len(data)
	result := make([]byte, 0, (dLen/encGroupSize+1)*(encGroupSize+1))
	for idx := 0; idx <= dLen; idx += encGroupSize {
		remain := dLen - idx
		padCount := 0
		if remain >= encGroupSize {
			result = append(result, data[idx:idx+encGroupSize]...)
		} else {
			padCount = encGroupSize - remain
			result = append(result, data[idx:]...)
			result = append(result, pads[:padCount]...)
		}

		marker := encMarker - byte(padCount)
		result = append(result, marker)
	}
	return result
}

// DecodeBytes decodes bytes which is encoded by EncodeBytes before,
// returns the leftover bytes and decoded value if no error.
func DecodeBytes(b []byte) ([]byte, []byte, error) {
	data := make([]byte, 0, len(b))
	for {
		if len(b) < encGroupSize+1 {
			return nil, nil, errors.New("insufficient bytes to decode value")
		}

		groupBytes := b[:encGroupSize+1]

		group := groupBytes[:encGroupSize]
		marker := groupBytes[encGroupSize]

		padCount := encMarker - marker
		if padCount > encGroupSize {
			return nil, nil, errors.Errorf("invalid marker byte, group bytes %q", groupBytes)
		}

		realGroupSize := encGroupSize - padCount
		data = append(data, group[:realGroupSize]...)
		b = b[encGroupSize+1:]

		if padCount != 0 {
			// Check validity of padding bytes.
			for _, v := range group[realGroupSize:] {
				if v != encPad {
					return nil, nil, errors.Errorf("invalid padding byte, group bytes %q", groupBytes)
				}
			}
			break
		}
	}
	return b, data, nil
}

// EncodeIntToCmpUint maps an int64 onto a uint64 whose unsigned byte order
// matches the signed order of the input.
func EncodeIntToCmpUint(v int64) uint64 {
	return uint64(v) ^ signMask
}

// DecodeCmpUintToInt inverts EncodeIntToCmpUint.
func DecodeCmpUintToInt(u uint64) int64 {
	return int64(u ^ signMask)
}

// A Tuple is an ordered sequence of strings and signed integers that packs to
// a byte string whose lexicographic order matches element-wise tuple order.
type Tuple struct {
	elems []byte
}

// NewTuple packs the given elements. Elements must be string or int64.
func NewTuple(elems ...interface{}) Tuple {
	var t Tuple
	for _, e := range elems {
		switch v := e.(type) {
		case string:
			t = t.AddString(v)
		case int64:
			t = t.AddInt64(v)
		default:
			panic("tuple element must be string or int64")
		}
	}
	return t
}

// AddString appends a string element.
func (t Tuple) AddString(s string) Tuple {
	t.elems = append(t.elems, tupleString)
	t.elems = append(t.elems, EncodeBytes([]byte(s))...)
	return t
}

// AddInt64 appends a signed integer element.
func (t Tuple) AddInt64(v int64) Tuple {
	t.elems = append(t.elems, tupleInt64)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], EncodeIntToCmpUint(v))
	t.elems = append(t.elems, buf[:]...)
	return t
}

// Pack returns the packed key bytes.
func (t Tuple) Pack() []byte {
	out := make([]byte, len(t.elems))
	copy(out, t.elems)
	return out
}

// UnpackTuple decodes a packed tuple back into its elements.
func UnpackTuple(b []byte) ([]interface{}, error) {
	var elems []interface{}
	for len(b) > 0 {
		tag := b[0]
		b = b[1:]
		switch tag {
		case tupleString:
			rest, data, err := DecodeBytes(b)
			if err != nil {
				return nil, errors.Trace(err)
			}
			elems = append(elems, string(data))
			b = rest
		case tupleInt64:
			if len(b) < 8 {
				return nil, errors.New("insufficient bytes to decode int64")
			}
			elems = append(elems, DecodeCmpUintToInt(binary.BigEndian.Uint64(b[:8])))
			b = b[8:]
		default:
			return nil, errors.Errorf("unknown tuple tag %d", tag)
		}
	}
	return elems, nil
}

// EncodeInt64Value packs a standalone signed integer for use as a KV value.
func EncodeInt64Value(v int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return buf[:]
}

// DecodeInt64Value unpacks a value written by EncodeInt64Value.
func DecodeInt64Value(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, errors.Errorf("invalid int64 value length %d", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}
