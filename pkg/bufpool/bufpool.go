// Package bufpool pools the transient byte slices the paging path churns
// through: supply staging reads, zero-fill copies and bench fault buffers.
// A fault storm allocates one buffer per supplied range; pooling them keeps
// the worker thread off the allocator's hot path.
//
// Three size classes cover the common fault shapes:
//   - page buffers (4KiB): single-page faults
//   - run buffers (64KiB): readahead-sized contiguous runs
//   - chunk buffers (1MiB): the largest supply a zero-fill can produce
//
// Requests above the chunk class are allocated directly and never pooled,
// so an occasional oversized supply does not pin memory.
package bufpool

import (
	"sync"
)

// Size classes. These line up with the fault granularity, the typical
// readahead window and the default zero-fill scratch buffer.
const (
	DefaultPageSize  = 4 << 10
	DefaultRunSize   = 64 << 10
	DefaultChunkSize = 1 << 20
)

// Pool hands out byte slices by size class. All methods are safe for
// concurrent use.
type Pool struct {
	page      sync.Pool
	run       sync.Pool
	chunk     sync.Pool
	pageSize  int
	runSize   int
	chunkSize int
}

// Config overrides the size classes. Zero fields keep the defaults.
type Config struct {
	PageSize  int
	RunSize   int
	ChunkSize int
}

// NewPool creates a buffer pool. A nil config uses the default classes.
func NewPool(cfg *Config) *Pool {
	if cfg == nil {
		cfg = &Config{}
	}

	p := &Pool{
		pageSize:  cfg.PageSize,
		runSize:   cfg.RunSize,
		chunkSize: cfg.ChunkSize,
	}
	if p.pageSize <= 0 {
		p.pageSize = DefaultPageSize
	}
	if p.runSize <= 0 {
		p.runSize = DefaultRunSize
	}
	if p.chunkSize <= 0 {
		p.chunkSize = DefaultChunkSize
	}

	p.page = sync.Pool{
		New: func() any {
			buf := make([]byte, p.pageSize)
			return &buf
		},
	}
	p.run = sync.Pool{
		New: func() any {
			buf := make([]byte, p.runSize)
			return &buf
		},
	}
	p.chunk = sync.Pool{
		New: func() any {
			buf := make([]byte, p.chunkSize)
			return &buf
		},
	}
	return p
}

// Get returns a slice of exactly size bytes, backed by a pooled buffer of
// the next class up. Contents are whatever the previous user left; callers
// overwrite the full slice. Pair every Get with a Put.
func (p *Pool) Get(size int) []byte {
	var bufPtr *[]byte

	switch {
	case size <= p.pageSize:
		bufPtr = p.page.Get().(*[]byte)
	case size <= p.runSize:
		bufPtr = p.run.Get().(*[]byte)
	case size <= p.chunkSize:
		bufPtr = p.chunk.Get().(*[]byte)
	default:
		return make([]byte, size)
	}
	return (*bufPtr)[:size]
}

// Put returns a buffer obtained from Get. Oversized direct allocations fall
// through to the garbage collector.
func (p *Pool) Put(buf []byte) {
	if buf == nil {
		return
	}

	switch cap(buf) {
	case p.pageSize:
		full := buf[:cap(buf)]
		p.page.Put(&full)
	case p.runSize:
		full := buf[:cap(buf)]
		p.run.Put(&full)
	case p.chunkSize:
		full := buf[:cap(buf)]
		p.chunk.Put(&full)
	}
}

// globalPool serves the package-level Get/Put used by the supply path.
var globalPool = NewPool(nil)

// Get returns a slice of at least size bytes from the global pool.
func Get(size int) []byte {
	return globalPool.Get(size)
}

// Put returns a buffer to the global pool.
func Put(buf []byte) {
	globalPool.Put(buf)
}
