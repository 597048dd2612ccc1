// Package protobuf serializes the AIS graph to and from protobuf wire format
// (varint tags, length-delimited submessages). A blob holds the subset of one
// save pass, restricted by a WriteSelector; blobs from separate schemas can be
// fed back in any order and accumulate into one draft graph.
package protobuf

import (
	"math"

	"github.com/pingcap/errors"
)

// ErrBufferOverflow is returned when a write would push the buffer past its
// configured maximum size.
var ErrBufferOverflow = errors.New("buffer overflow")

const initialBufferSize = 4096

// GrowableByteBuffer is a byte buffer that starts at 4 KiB and doubles up to
// a hard maximum. It is reused across the schemas of one save pass: Clear
// between schemas, Bytes to copy the current contents out.
type GrowableByteBuffer struct {
	data    []byte
	maxSize int
}

// NewGrowableByteBuffer creates a buffer with the given maximum size.
// A maxSize of zero means unlimited.
func NewGrowableByteBuffer(maxSize int) *GrowableByteBuffer {
	if maxSize == 0 {
		maxSize = math.MaxInt32
	}
	initial := initialBufferSize
	if initial > maxSize {
		initial = maxSize
	}
	return &GrowableByteBuffer{
		data:    make([]byte, 0, initial),
		maxSize: maxSize,
	}
}

// MaxSize returns the hard cap, in bytes.
func (b *GrowableByteBuffer) MaxSize() int {
	return b.maxSize
}

// Clear resets the content without releasing the allocation.
func (b *GrowableByteBuffer) Clear() {
	b.data = b.data[:0]
}

// Len returns the current content size.
func (b *GrowableByteBuffer) Len() int {
	return len(b.data)
}

// Write appends p, doubling the allocation as needed. When the content would
// exceed the maximum size, nothing is appended and ErrBufferOverflow is
// returned.
func (b *GrowableByteBuffer) Write(p []byte) (int, error) {
	need := len(b.data) + len(p)
	if need > b.maxSize {
		return 0, errors.Trace(ErrBufferOverflow)
	}
	if need > cap(b.data) {
		newCap := cap(b.data)
		if newCap == 0 {
			newCap = initialBufferSize
		}
		for newCap < need {
			newCap *= 2
		}
		if newCap > b.maxSize {
			newCap = b.maxSize
		}
		grown := make([]byte, len(b.data), newCap)
		copy(grown, b.data)
		b.data = grown
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

// Bytes returns a copy of the current contents.
func (b *GrowableByteBuffer) Bytes() []byte {
	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}
