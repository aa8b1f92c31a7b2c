package pager

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/pagefs/internal/logger"
	"github.com/marmos91/pagefs/pkg/metrics"
	"github.com/marmos91/pagefs/pkg/vmem"
)

// pagerThread owns the kernel-side resources of one volume's pager: the
// backend, the notification port, the zero-fill scratch buffer, and the
// registry of file holders. Its run loop is the single consumer of the
// port and executes on a dedicated OS thread so fault draining can always
// make progress independent of the Go scheduler's async workload.
type pagerThread struct {
	backend *vmem.PagerBackend
	port    *vmem.Port
	zeroVMO *vmem.VMO

	mu    sync.Mutex
	files map[uint64]*fileHolder

	// done is closed by the run loop just before it exits; terminated is
	// set first so observers never see a closed channel with a false flag.
	done       chan struct{}
	terminated atomic.Bool

	metrics metrics.PagerMetrics
	log     *slog.Logger
}

// run drains the port until the termination message arrives. All fault and
// lifecycle processing is serial on this thread; the registry lock is only
// held for lookups and holder transitions, never across calls into file
// node logic.
func (pt *pagerThread) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer func() {
		pt.terminated.Store(true)
		close(pt.done)
	}()

	for {
		pkt, err := pt.port.Wait()
		if err != nil {
			// The port is only closed after termination completed, so a
			// wait error here means the loop is already done.
			return
		}

		switch pkt.Kind {
		case vmem.PacketPageRequest:
			pt.handlePageRequest(pkt)
		case vmem.PacketSignal:
			pt.handleZeroChildren(pkt.Key)
		case vmem.PacketUser:
			return
		default:
			// The port only carries the three packet kinds above; anything
			// else is a kernel contract violation, not an environmental
			// condition.
			panic(fmt.Sprintf("pager: unexpected packet kind %v", pkt.Kind))
		}
	}
}

// handlePageRequest dispatches a fault for pkt.Range of object pkt.Key to
// the registered node, or answers it with zeroes when no live node exists.
func (pt *pagerThread) handlePageRequest(pkt vmem.Packet) {
	pt.mu.Lock()
	var file FileNode
	if h, ok := pt.files[pkt.Key]; ok {
		file = h.promote()
	}
	pt.mu.Unlock()

	if file == nil {
		pt.supplyZero(pkt)
		return
	}

	start := time.Now()
	file.PageIn(pkt.Range)
	if pt.metrics != nil {
		pt.metrics.ObservePageIn(pkt.Range.Len(), time.Since(start))
	}
}

// supplyZero answers a fault on an unregistered (or dropped) object with
// zero-filled content from the scratch buffer. The volume's write path
// never lets such faults exceed the scratch buffer, so a larger range is a
// logic error upstream, not a recoverable condition.
func (pt *pagerThread) supplyZero(pkt vmem.Packet) {
	if pkt.Range.Len() > pt.zeroVMO.Size() {
		panic(fmt.Sprintf("pager: zero-fill fault %s exceeds scratch buffer (%d bytes)",
			pkt.Range, pt.zeroVMO.Size()))
	}

	if err := pt.backend.SupplyPages(pkt.VMO, pkt.Range, pt.zeroVMO, 0); err != nil {
		pt.log.Error("failed to supply zero pages",
			logger.KeyObjectID, pkt.Key,
			logger.KeyRangeStart, pkt.Range.Start,
			logger.KeyRangeEnd, pkt.Range.End,
			logger.KeyError, err.Error())
		return
	}

	pt.log.Debug("supplied zero pages for unregistered object",
		logger.KeyObjectID, pkt.Key,
		logger.KeyRangeStart, pkt.Range.Start,
		logger.KeyRangeEnd, pkt.Range.End)
	if pt.metrics != nil {
		pt.metrics.ObserveZeroFill(pkt.Range.Len())
	}
}

// handleZeroChildren processes a zero-children signal for key. The signal
// is an edge-triggered hint over level-triggered truth: a new duplicate may
// have appeared since delivery, so the live count is re-queried before any
// state changes. A non-zero count re-arms the watch; a verified zero fires
// the node's callback and downgrades the holder to weak.
func (pt *pagerThread) handleZeroChildren(key uint64) {
	pt.mu.Lock()
	h, ok := pt.files[key]
	if !ok || !h.strong {
		// Stale signal: the entry was unregistered, cleared by Terminate,
		// or already downgraded.
		pt.mu.Unlock()
		return
	}
	file := h.file
	pt.mu.Unlock()

	count, err := file.VMO().ChildCount()
	if err != nil {
		pt.log.Error("failed to query child count",
			logger.KeyObjectID, key, logger.KeyError, err.Error())
		// Best-effort re-arm so the object is not left unwatched; a
		// second failure leaves the holder strong, trading a potential
		// reference leak for never tearing down a live mapping.
		if werr := file.VMO().WatchZeroChildren(key); werr != nil {
			pt.log.Error("failed to re-arm zero-children watch",
				logger.KeyObjectID, key, logger.KeyError, werr.Error())
		}
		return
	}

	if count > 0 {
		// Raced with a new duplicate; go back to waiting.
		if werr := file.VMO().WatchZeroChildren(key); werr != nil {
			pt.log.Error("failed to re-arm zero-children watch",
				logger.KeyObjectID, key, logger.KeyError, werr.Error())
		}
		if pt.metrics != nil {
			pt.metrics.RecordWatchRearm()
		}
		return
	}

	file.OnZeroChildren()

	pt.mu.Lock()
	if h2, ok := pt.files[key]; ok && h2.strong && h2.file == file {
		h2.strong = false
	}
	pt.mu.Unlock()
	// The local strong reference is released only here, after the lock is
	// gone: a node teardown that calls back into UnregisterFile must not
	// find the registry lock held.

	pt.log.Debug("downgraded registration after zero-children",
		logger.KeyObjectID, key,
		logger.KeyHolder, logger.HolderKind(false))
	if pt.metrics != nil {
		pt.metrics.RecordDowngrade()
	}
}
