package vmem

import (
	"fmt"
	"io"
	"sync"

	"github.com/marmos91/pagefs/pkg/bufpool"
	"golang.org/x/sys/unix"
)

// VMO is a resizable memory object backed by an anonymous mmap region.
//
// A plain VMO (NewVMO) is fully committed zero-filled memory. A pager-backed
// VMO (PagerBackend.CreateVMO) tracks per-page commit state: accessors that
// touch uncommitted pages enqueue a page-request packet on the bound port and
// block until the pager supplies the range.
//
// All methods are safe for concurrent use.
type VMO struct {
	mu   sync.Mutex
	cond *sync.Cond

	data   []byte // anonymous mmap, length is the page-rounded capacity
	size   uint64
	closed bool

	// Pager binding. Nil port means plain VMO.
	backend *PagerBackend
	port    *Port
	key     uint64

	committed bitmap // per-page commit state (pager-backed only)
	requested bitmap // pages with an in-flight page-request packet

	children   uint32
	watchArmed bool
	watchKey   uint64
}

// NewVMO creates a plain, fully committed, zero-filled memory object.
// Used for the pager's zero-fill scratch buffer and for supply staging.
func NewVMO(size uint64) (*VMO, error) {
	return newVMO(size, nil, nil, 0)
}

func newVMO(size uint64, backend *PagerBackend, port *Port, key uint64) (*VMO, error) {
	data, err := mapAnon(roundUpPage(size))
	if err != nil {
		return nil, fmt.Errorf("failed to map %d bytes: %w", size, err)
	}

	v := &VMO{
		data:    data,
		size:    size,
		backend: backend,
		port:    port,
		key:     key,
	}
	v.cond = sync.NewCond(&v.mu)

	if v.pagerBacked() {
		pages := uint64(len(data)) / PageSize
		v.committed = newBitmap(pages)
		v.requested = newBitmap(pages)
	}
	return v, nil
}

func (v *VMO) pagerBacked() bool {
	return v.port != nil
}

// Key returns the notification key the VMO was created with. Zero for
// plain VMOs.
func (v *VMO) Key() uint64 {
	return v.key
}

// Size returns the current size in bytes.
func (v *VMO) Size() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.size
}

// Resize grows or shrinks the object. Growing past the mapped capacity
// remaps; new pages of a pager-backed VMO start uncommitted, new pages of
// a plain VMO are zero. Shrinking discards content and commit state beyond
// the new size.
func (v *VMO) Resize(newSize uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrClosed
	}

	newCap := roundUpPage(newSize)
	if newCap > uint64(len(v.data)) {
		data, err := mapAnon(newCap)
		if err != nil {
			return fmt.Errorf("failed to remap to %d bytes: %w", newSize, err)
		}
		copy(data, v.data)
		if err := unmapAnon(v.data); err != nil {
			// The old mapping leaks but the object stays usable.
			_ = err
		}
		v.data = data
		if v.pagerBacked() {
			v.committed = v.committed.grow(newCap / PageSize)
			v.requested = v.requested.grow(newCap / PageSize)
		}
	}

	if newSize < v.size {
		// Zero the truncated tail so a later grow reads back zeros, and
		// forget commit state for pages now fully out of range.
		clear(v.data[newSize:roundUpPage(v.size)])
		if v.pagerBacked() {
			for page := roundUpPage(newSize) / PageSize; page < roundUpPage(v.size)/PageSize; page++ {
				v.committed.unset(page)
				v.requested.unset(page)
			}
		}
	}

	v.size = newSize
	v.cond.Broadcast()
	return nil
}

// ReadAt implements io.ReaderAt. Reads of uncommitted ranges of a
// pager-backed VMO block until the pager supplies them.
func (v *VMO) ReadAt(p []byte, off int64) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	n, err := v.access(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	copy(p[:n], v.data[off:uint64(off)+n])
	if n < uint64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

// WriteAt writes into the object at off. Writes never extend the size;
// use Resize first. Partially faulted ranges of a pager-backed VMO are
// paged in before being overwritten, matching write-fault semantics.
func (v *VMO) WriteAt(p []byte, off int64) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	n, err := v.access(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	copy(v.data[off:uint64(off)+n], p[:n])
	if n < uint64(len(p)) {
		return int(n), io.ErrShortWrite
	}
	return int(n), nil
}

// access validates [off, off+count) against the current size and, for
// pager-backed objects, blocks until every covered page is committed.
// Returns the accessible byte count. Called with v.mu held.
func (v *VMO) access(off, count uint64) (uint64, error) {
	if v.closed {
		return 0, ErrClosed
	}
	if off >= v.size {
		return 0, io.EOF
	}
	if off+count > v.size {
		count = v.size - off
	}
	if !v.pagerBacked() {
		return count, nil
	}

	want := Range{Start: off, End: off + count}.PageAlign().Clamp(roundUpPage(v.size))
	for {
		if v.closed {
			return 0, ErrClosed
		}
		if off >= v.size {
			return 0, io.EOF
		}
		if off+count > v.size {
			count = v.size - off
		}
		if v.requestUncommitted(want.Clamp(roundUpPage(v.size))) {
			return count, nil
		}
		v.cond.Wait()
	}
}

// requestUncommitted enqueues page-request packets for every contiguous run
// of uncommitted, not-yet-requested pages in r. Returns true when every page
// in r is already committed. Called with v.mu held.
func (v *VMO) requestUncommitted(r Range) bool {
	allCommitted := true
	runStart := uint64(0)
	inRun := false

	flush := func(end uint64) {
		if !inRun {
			return
		}
		inRun = false
		// Port delivery failures only happen once the pager is shutting
		// down; the blocked accessor is then woken by Close.
		_ = v.port.Queue(Packet{
			Key:  v.key,
			Kind: PacketPageRequest,
			Range: Range{
				Start: runStart * PageSize,
				End:   end * PageSize,
			},
			VMO: v,
		})
	}

	for page := r.Start / PageSize; page < (r.End+PageSize-1)/PageSize; page++ {
		if v.committed.test(page) {
			flush(page)
			continue
		}
		allCommitted = false
		if v.requested.test(page) {
			flush(page)
			continue
		}
		v.requested.set(page)
		if !inRun {
			inRun = true
			runStart = page
		}
	}
	flush((r.End + PageSize - 1) / PageSize)
	return allCommitted
}

// supply copies src[srcOff : srcOff+len(r)) into the object and commits the
// covered pages. Called by the backend.
func (v *VMO) supply(r Range, src *VMO, srcOff uint64) error {
	// The source is read before taking v.mu so a supply can never deadlock
	// against an accessor blocked on v.
	buf := bufpool.Get(int(r.Len()))
	defer bufpool.Put(buf)
	n, err := src.ReadAt(buf, int64(srcOff))
	if err != nil && err != io.EOF {
		return fmt.Errorf("failed to read supply source: %w", err)
	}
	// A source shorter than the range supplies zeroes for the tail.
	clear(buf[n:])

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrClosed
	}
	if !v.pagerBacked() {
		return ErrNotPagerBacked
	}
	if r.End > roundUpPage(v.size) || r.End <= r.Start {
		return fmt.Errorf("%w: supply %s into object of size %d", ErrOutOfRange, r, v.size)
	}

	copy(v.data[r.Start:r.End], buf)
	for page := r.Start / PageSize; page < (r.End+PageSize-1)/PageSize; page++ {
		v.committed.set(page)
		v.requested.unset(page)
	}
	v.cond.Broadcast()
	return nil
}

// CreateChild returns a new external duplicate of the object. The child
// shares the underlying pages; closing it decrements the duplicate count
// and may deliver an armed zero-children signal.
func (v *VMO) CreateChild() (*Child, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, ErrClosed
	}
	v.children++
	return &Child{vmo: v}, nil
}

// ChildCount reports the number of live external duplicates.
func (v *VMO) ChildCount() (uint32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return 0, ErrClosed
	}
	return v.children, nil
}

// WatchZeroChildren arms a one-shot signal packet, delivered on the bound
// port under key, for when the duplicate count is zero. If the count is
// already zero the signal is delivered immediately. The signal is a hint:
// consumers must re-query ChildCount before acting, since a new duplicate
// may appear between delivery and processing.
func (v *VMO) WatchZeroChildren(key uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrClosed
	}
	if !v.pagerBacked() {
		return ErrNotPagerBacked
	}

	if v.children == 0 {
		return v.port.Queue(Packet{Key: key, Kind: PacketSignal})
	}
	v.watchArmed = true
	v.watchKey = key
	return nil
}

// childClosed is called by Child.Close. Fires the armed one-shot watch on
// the transition to zero.
func (v *VMO) childClosed() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.children > 0 {
		v.children--
	}
	if v.children == 0 && v.watchArmed {
		v.watchArmed = false
		_ = v.port.Queue(Packet{Key: v.watchKey, Kind: PacketSignal})
	}
}

// Close unmaps the object and wakes any blocked accessors with ErrClosed.
// Close is idempotent.
func (v *VMO) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true

	err := unmapAnon(v.data)
	v.data = nil
	v.cond.Broadcast()
	if err != nil {
		return fmt.Errorf("failed to unmap object: %w", err)
	}
	return nil
}

// Child is an external duplicate handle of a VMO. It is what clients of
// the filesystem hold while a file is mapped; the pager watches for the
// count of these reaching zero.
type Child struct {
	mu     sync.Mutex
	vmo    *VMO
	closed bool
}

// ReadAt reads through to the parent object, faulting as needed.
func (c *Child) ReadAt(p []byte, off int64) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	v := c.vmo
	c.mu.Unlock()
	return v.ReadAt(p, off)
}

// WriteAt writes through to the parent object.
func (c *Child) WriteAt(p []byte, off int64) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	v := c.vmo
	c.mu.Unlock()
	return v.WriteAt(p, off)
}

// Close drops the duplicate. Idempotent.
func (c *Child) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.vmo.childClosed()
	return nil
}

// roundUpPage rounds n up to the next PageSize multiple. Zero stays zero.
func roundUpPage(n uint64) uint64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// mapAnon allocates an anonymous, private, zero-filled mapping. A zero
// length yields an empty (nil) mapping.
func mapAnon(length uint64) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	return unix.Mmap(-1, 0, int(length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
}

// unmapAnon releases a mapping created by mapAnon.
func unmapAnon(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Munmap(data)
}

// bitmap is a fixed-size bit set with one bit per page.
type bitmap []uint64

func newBitmap(bits uint64) bitmap {
	return make(bitmap, (bits+63)/64)
}

func (b bitmap) grow(bits uint64) bitmap {
	words := (bits + 63) / 64
	if uint64(len(b)) >= words {
		return b
	}
	out := make(bitmap, words)
	copy(out, b)
	return out
}

func (b bitmap) test(i uint64) bool {
	if i/64 >= uint64(len(b)) {
		return false
	}
	return b[i/64]&(1<<(i%64)) != 0
}

func (b bitmap) set(i uint64) {
	if i/64 < uint64(len(b)) {
		b[i/64] |= 1 << (i % 64)
	}
}

func (b bitmap) unset(i uint64) {
	if i/64 < uint64(len(b)) {
		b[i/64] &^= 1 << (i % 64)
	}
}
