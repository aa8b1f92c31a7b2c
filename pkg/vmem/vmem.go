// Package vmem provides the kernel-memory primitives the pager is built on:
// resizable memory objects (VMOs), a FIFO notification port, and a per-volume
// pager backend that creates demand-paged VMOs and supplies their content.
//
// The package is an in-process rendering of the kernel contract. A
// pager-backed VMO starts with no committed pages; reading or writing an
// uncommitted range enqueues a page-request packet on the port the VMO was
// bound to and blocks the accessor until the range is supplied. Plain VMOs
// (NewVMO) are fully committed, zero-filled anonymous memory.
//
// Backing storage is an anonymous mmap region so large sparse objects stay
// lazily allocated by the OS until touched.
package vmem

import (
	"errors"
	"fmt"
)

// PageSize is the granularity of commit tracking and fault ranges.
const PageSize = 4096

// Package-level errors.
var (
	// ErrClosed is returned by operations on a closed VMO, port, or backend.
	ErrClosed = errors.New("vmem: closed")

	// ErrOutOfRange is returned when a supply or access range falls outside
	// the object's current size.
	ErrOutOfRange = errors.New("vmem: range out of bounds")

	// ErrNotPagerBacked is returned when a pager-only operation (zero-children
	// watching, page supply) is applied to a plain VMO.
	ErrNotPagerBacked = errors.New("vmem: memory object is not pager-backed")
)

// Range is a half-open byte range [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Len returns the length of the range in bytes.
func (r Range) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// PageAlign expands the range outward to page boundaries.
func (r Range) PageAlign() Range {
	return Range{
		Start: r.Start &^ (PageSize - 1),
		End:   (r.End + PageSize - 1) &^ (PageSize - 1),
	}
}

// Clamp limits the range to [0, size), preserving page alignment of End
// only when size itself is page-aligned.
func (r Range) Clamp(size uint64) Range {
	out := r
	if out.End > size {
		out.End = size
	}
	if out.Start > out.End {
		out.Start = out.End
	}
	return out
}

// PacketKind discriminates notifications delivered on a Port.
type PacketKind int

const (
	// PacketPageRequest asks the pager to supply content for Range of the
	// VMO registered under Key.
	PacketPageRequest PacketKind = iota

	// PacketSignal is a one-shot zero-children notification for Key.
	PacketSignal

	// PacketUser is an out-of-band wake message queued by user code.
	PacketUser
)

func (k PacketKind) String() string {
	switch k {
	case PacketPageRequest:
		return "page_request"
	case PacketSignal:
		return "signal"
	case PacketUser:
		return "user"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Packet is a single notification delivered on a Port.
type Packet struct {
	Key   uint64
	Kind  PacketKind
	Range Range // valid for PacketPageRequest only
	VMO   *VMO  // faulting object, set for PacketPageRequest
}
