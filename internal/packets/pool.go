package packets

import "sync"

// pooledBodySize is the capacity of a pooled buffer. ReadPacket calls
// GetBuffer once per inbound frame on the driver's read pump (see
// driver.go's readPump), one connection at a time; sizing the pool to the
// common case (small PUBLISH/SUBACK/etc. bodies) means steady-state traffic
// never allocates, while an oversized PUBLISH payload still just falls
// through to a one-off allocation instead of growing the pool's buffers.
const pooledBodySize = 4096

var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, pooledBodySize)
		return &buf
	},
}

// GetBuffer returns a buffer of at least size bytes; a pooled buffer comes
// back at its full pooledBodySize length, so the caller slices it down to
// size. Requests larger than pooledBodySize bypass the pool entirely rather
// than forcing every pooled buffer to grow to fit the largest packet seen.
func GetBuffer(size int) *[]byte {
	if size > pooledBodySize {
		buf := make([]byte, size)
		return &buf
	}
	return bufferPool.Get().(*[]byte)
}

// PutBuffer returns a buffer obtained from GetBuffer to the pool. Buffers
// GetBuffer allocated one-off for an oversized packet are left for the
// garbage collector instead of growing the pool's steady-state size.
func PutBuffer(bufPtr *[]byte) {
	if cap(*bufPtr) != pooledBodySize {
		return
	}
	bufferPool.Put(bufPtr)
}
