// Package pager implements page-fault servicing and memory-object lifecycle
// management for a copy-on-write volume.
//
// One Pager exists per mounted volume. The filesystem creates a demand-paged
// memory object per file through CreateVMO, registers the owning file node,
// and calls StartServicing once the object is first handed to a client. From
// then on the pager's dedicated worker thread drains the notification port:
// page faults are dispatched to the node's PageIn, and zero-children signals
// downgrade the registration once nothing external can fault on the object
// anymore.
//
// Ownership protocol: a registration is either weak (the pager merely
// observes the node) or strong (the pager keeps the node alive because a
// client holds a duplicate of its memory object). StartServicing promotes
// weak to strong and arms zero-children watching; a verified zero-children
// transition fires the node's OnZeroChildren callback and demotes the
// registration back to weak.
package pager

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/pagefs/internal/logger"
	"github.com/marmos91/pagefs/pkg/metrics"
	"github.com/marmos91/pagefs/pkg/vmem"
)

// DefaultZeroBufferSize is the size of the zero-fill scratch buffer. Faults
// on unregistered objects must never exceed it; the volume's write path
// guarantees that.
const DefaultZeroBufferSize = 1 << 20 // 1 MiB

// ErrNotRegistered is returned by StartServicing for an object ID with no
// live registration. This indicates a sequencing bug in the caller: files
// must be registered before servicing starts.
var ErrNotRegistered = errors.New("pager: object not registered")

// FileNode is the contract between the pager and the filesystem's file
// objects. Implementations must be comparable (in practice: pointers), since
// UnregisterFile matches the exact registered instance.
type FileNode interface {
	// ObjectID returns the stable identifier used as the registry key and
	// as the port notification key for the node's memory object.
	ObjectID() uint64

	// VMO returns the node's backing memory object. The node owns it; the
	// pager only references it.
	VMO() *vmem.VMO

	// PageIn supplies content for the faulted range. It must eventually
	// call Pager.SupplyPages for r, directly or via asynchronous work.
	PageIn(r vmem.Range)

	// OnZeroChildren is invoked once per verified transition of the memory
	// object's external duplicate count to zero.
	OnZeroChildren()

	// Alive reports whether the node can still service page-ins. A weak
	// registration whose node is no longer alive is treated as absent and
	// its faults are answered with zeroes.
	Alive() bool
}

// Config tunes a Pager. The zero value is usable.
type Config struct {
	// ZeroBufferSize overrides DefaultZeroBufferSize when non-zero.
	ZeroBufferSize uint64

	// Metrics receives pager observations. Nil disables collection.
	Metrics metrics.PagerMetrics
}

// Pager is the public handle for one volume's page-fault servicing. All
// methods are safe for concurrent use; Terminate is the only one that
// blocks the caller for more than a lock acquisition.
type Pager struct {
	pt *pagerThread
}

// New creates the pager backend, port and zero-fill scratch buffer, and
// starts the worker thread. Construction failures (kernel resource
// exhaustion) are returned, never retried.
func New(cfg Config) (*Pager, error) {
	zeroSize := cfg.ZeroBufferSize
	if zeroSize == 0 {
		zeroSize = DefaultZeroBufferSize
	}

	backend, err := vmem.NewPagerBackend()
	if err != nil {
		return nil, fmt.Errorf("failed to create pager backend: %w", err)
	}

	zeroVMO, err := vmem.NewVMO(zeroSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create zero-fill buffer: %w", err)
	}

	pt := &pagerThread{
		backend: backend,
		port:    vmem.NewPort(),
		zeroVMO: zeroVMO,
		files:   make(map[uint64]*fileHolder),
		done:    make(chan struct{}),
		metrics: cfg.Metrics,
		log:     logger.With(logger.KeyVolumeID, uuid.NewString()),
	}
	go pt.run()

	return &Pager{pt: pt}, nil
}

// CreateVMO allocates a demand-paged memory object whose faults are routed
// to this pager's port under objectID. The object is not serviced until the
// owning file node is registered.
func (p *Pager) CreateVMO(objectID uint64, initialSize uint64) (*vmem.VMO, error) {
	vmo, err := p.pt.backend.CreateVMO(p.pt.port, objectID, initialSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory object %s: %w",
			logger.FormatObjectID(objectID), err)
	}
	return vmo, nil
}

// RegisterFile inserts a weak registration for the node. Must be called
// before any client can be handed a duplicate of the node's memory object.
// Registration alone does not enable servicing.
func (p *Pager) RegisterFile(f FileNode) {
	pt := p.pt
	pt.mu.Lock()
	pt.files[f.ObjectID()] = &fileHolder{file: f}
	n := len(pt.files)
	pt.mu.Unlock()

	if pt.metrics != nil {
		pt.metrics.SetRegisteredFiles(n)
	}
}

// UnregisterFile removes the registration for the node's object ID, but
// only if the stored holder still points at this exact instance. A stale
// unregister racing a newer registration under the same ID is a no-op.
func (p *Pager) UnregisterFile(f FileNode) {
	pt := p.pt
	pt.mu.Lock()
	h, ok := pt.files[f.ObjectID()]
	if ok && h.file == f {
		delete(pt.files, f.ObjectID())
	}
	n := len(pt.files)
	pt.mu.Unlock()

	if pt.metrics != nil {
		pt.metrics.SetRegisteredFiles(n)
	}
}

// StartServicing promotes the node's registration from weak to strong and
// arms zero-children watching. Returns true if servicing newly started,
// false if the registration was already strong (already being serviced).
// An unregistered object ID returns ErrNotRegistered.
func (p *Pager) StartServicing(objectID uint64) (bool, error) {
	pt := p.pt
	pt.mu.Lock()

	h, ok := pt.files[objectID]
	if !ok {
		pt.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrNotRegistered, logger.FormatObjectID(objectID))
	}
	if h.strong {
		pt.mu.Unlock()
		return false, nil
	}
	h.strong = true
	file := h.file
	pt.mu.Unlock()

	if err := file.VMO().WatchZeroChildren(objectID); err != nil {
		// The registration stays strong; the node outlives its watch
		// until unregistered.
		pt.log.Error("failed to arm zero-children watch",
			logger.KeyObjectID, objectID, logger.KeyError, err.Error())
	}
	return true, nil
}

// SupplyPages pushes len(r) bytes from source at sourceOffset into vmo over
// the faulted range r. Failures are logged and swallowed: supplies answer
// potentially stale kernel notifications and must never crash the pager.
func (p *Pager) SupplyPages(vmo *vmem.VMO, r vmem.Range, source *vmem.VMO, sourceOffset uint64) {
	err := p.pt.backend.SupplyPages(vmo, r, source, sourceOffset)
	if err != nil {
		p.pt.log.Error("failed to supply pages",
			logger.KeyObjectID, vmo.Key(),
			logger.KeyRangeStart, r.Start,
			logger.KeyRangeEnd, r.End,
			logger.KeyError, err.Error())
	}
	if p.pt.metrics != nil {
		p.pt.metrics.ObserveSupply(r.Len(), err != nil)
	}
}

// Terminate clears the registry, dropping all strong registrations, wakes
// the worker thread with a synthetic message, and blocks until the worker
// has exited. After Terminate returns no further faults or signals are
// dispatched to any file node. Calling Terminate twice is not supported.
func (p *Pager) Terminate() {
	pt := p.pt

	pt.mu.Lock()
	// Strong registrations are released here, before the worker observes
	// the termination message. In-flight fault handlers that already took
	// their reference still complete against a live node.
	pt.files = make(map[uint64]*fileHolder)
	pt.mu.Unlock()

	if err := pt.port.Queue(vmem.Packet{Kind: vmem.PacketUser}); err != nil {
		pt.log.Error("failed to queue termination message", logger.KeyError, err.Error())
	}

	// Soft deadline: a worker that has not exited by now is almost
	// certainly deadlocked; log loudly but keep waiting, since returning
	// early would break the no-dispatch-after-terminate guarantee.
	select {
	case <-pt.done:
	case <-time.After(terminateSoftDeadline):
		pt.log.Error("pager thread did not exit within soft deadline",
			logger.KeyDurationMS, terminateSoftDeadline.Milliseconds())
		<-pt.done
	}

	if pt.metrics != nil {
		pt.metrics.SetRegisteredFiles(0)
	}
}

// terminateSoftDeadline bounds the expected Terminate wait. It is a
// deadlock canary, not a timeout with recovery.
const terminateSoftDeadline = 30 * time.Second

// Terminated reports whether the worker thread has exited.
func (p *Pager) Terminated() bool {
	return p.pt.terminated.Load()
}

// Close releases the port, backend and scratch buffer. Close panics if
// called before Terminate has completed: dropping a live pager loses
// queued faults for the whole volume. Idempotent after that.
func (p *Pager) Close() {
	if !p.pt.terminated.Load() {
		panic("pager: Close called before Terminate completed")
	}
	p.pt.port.Close()
	_ = p.pt.backend.Close()
	_ = p.pt.zeroVMO.Close()
}
