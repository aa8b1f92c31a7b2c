package pager

import (
	"bytes"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/pagefs/pkg/vmem"
)

// testFile is a file node whose page-in path supplies a constant pattern.
type testFile struct {
	id      uint64
	vmo     *vmem.VMO
	p       *Pager
	pattern byte

	alive        atomic.Bool
	pageIns      atomic.Int32
	zeroChildren atomic.Int32
	zeroCh       chan struct{}
}

func newTestFile(t *testing.T, p *Pager, id uint64, size uint64, pattern byte) *testFile {
	t.Helper()
	vmo, err := p.CreateVMO(id, size)
	if err != nil {
		t.Fatalf("CreateVMO(%d): %v", id, err)
	}
	t.Cleanup(func() { vmo.Close() })

	f := &testFile{
		id:      id,
		vmo:     vmo,
		p:       p,
		pattern: pattern,
		zeroCh:  make(chan struct{}, 8),
	}
	f.alive.Store(true)
	return f
}

func (f *testFile) ObjectID() uint64 { return f.id }
func (f *testFile) VMO() *vmem.VMO   { return f.vmo }
func (f *testFile) Alive() bool      { return f.alive.Load() }

func (f *testFile) PageIn(r vmem.Range) {
	f.pageIns.Add(1)
	staging, err := vmem.NewVMO(r.Len())
	if err != nil {
		return
	}
	defer staging.Close()
	buf := bytes.Repeat([]byte{f.pattern}, int(r.Len()))
	if _, err := staging.WriteAt(buf, 0); err != nil {
		return
	}
	f.p.SupplyPages(f.vmo, r, staging, 0)
}

func (f *testFile) OnZeroChildren() {
	f.zeroChildren.Add(1)
	select {
	case f.zeroCh <- struct{}{}:
	default:
	}
}

// newTestPager creates a pager torn down at test end in the required order.
func newTestPager(t *testing.T, cfg Config) *Pager {
	t.Helper()
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if !p.Terminated() {
			p.Terminate()
		}
		p.Close()
	})
	return p
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// waitWeak polls until the holder for key is weak. The callback runs before
// the downgrade, so observers of holder state need to wait it out.
func waitWeak(t *testing.T, p *Pager, key uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		p.pt.mu.Lock()
		h, ok := p.pt.files[key]
		weak := ok && !h.strong
		p.pt.mu.Unlock()
		if weak {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("holder for %d never downgraded", key)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFaultOnUnregisteredObjectIsZeroFilled(t *testing.T) {
	p := newTestPager(t, Config{})

	vmo, err := p.CreateVMO(1, 2*vmem.PageSize)
	if err != nil {
		t.Fatalf("CreateVMO: %v", err)
	}
	defer vmo.Close()

	buf := make([]byte, vmem.PageSize)
	if _, err := vmo.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(buf, make([]byte, len(buf))) {
		t.Error("unregistered fault did not read zero")
	}
}

func TestFaultDispatchedToRegisteredNode(t *testing.T) {
	p := newTestPager(t, Config{})

	f := newTestFile(t, p, 1, 4*vmem.PageSize, 0x7e)
	p.RegisterFile(f)

	buf := make([]byte, 2*vmem.PageSize)
	if _, err := f.vmo.ReadAt(buf, vmem.PageSize); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(buf, bytes.Repeat([]byte{0x7e}, len(buf))) {
		t.Error("faulted content does not match the node's pattern")
	}
	if got := f.pageIns.Load(); got != 1 {
		t.Errorf("pageIns = %d, want 1", got)
	}
}

func TestFaultOnDeadWeakNodeIsZeroFilled(t *testing.T) {
	p := newTestPager(t, Config{})

	f := newTestFile(t, p, 1, 2*vmem.PageSize, 0x7e)
	f.alive.Store(false)
	p.RegisterFile(f)

	buf := make([]byte, vmem.PageSize)
	if _, err := f.vmo.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(buf, make([]byte, len(buf))) {
		t.Error("dead weak fault did not read zero")
	}
	if got := f.pageIns.Load(); got != 0 {
		t.Errorf("dead node saw %d page-ins", got)
	}
}

func TestStartServicing(t *testing.T) {
	p := newTestPager(t, Config{})

	f := newTestFile(t, p, 1, vmem.PageSize, 0)
	p.RegisterFile(f)

	// Keep a duplicate open so the immediate zero-children signal does not
	// downgrade the registration mid-test.
	c, err := f.vmo.CreateChild()
	if err != nil {
		t.Fatalf("CreateChild: %v", err)
	}
	defer c.Close()

	started, err := p.StartServicing(1)
	if err != nil || !started {
		t.Fatalf("StartServicing = (%v, %v), want (true, nil)", started, err)
	}

	started, err = p.StartServicing(1)
	if err != nil || started {
		t.Fatalf("second StartServicing = (%v, %v), want (false, nil)", started, err)
	}

	if _, err := p.StartServicing(99); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("StartServicing(unknown) = %v, want ErrNotRegistered", err)
	}
}

func TestUnregisterIgnoresStaleInstance(t *testing.T) {
	p := newTestPager(t, Config{})

	f1 := newTestFile(t, p, 1, vmem.PageSize, 0x01)
	p.RegisterFile(f1)

	// A newer node claims the same ID; the old instance's unregister must
	// not evict it.
	f2 := newTestFile(t, p, 1, vmem.PageSize, 0x02)
	p.RegisterFile(f2)
	p.UnregisterFile(f1)

	c, err := f2.vmo.CreateChild()
	if err != nil {
		t.Fatalf("CreateChild: %v", err)
	}
	defer c.Close()
	if _, err := p.StartServicing(1); err != nil {
		t.Errorf("registration evicted by stale unregister: %v", err)
	}

	p.UnregisterFile(f2)
	if _, err := p.StartServicing(1); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("StartServicing after unregister = %v, want ErrNotRegistered", err)
	}
}

func TestZeroChildrenDowngradesRegistration(t *testing.T) {
	p := newTestPager(t, Config{})

	f := newTestFile(t, p, 1, vmem.PageSize, 0)
	p.RegisterFile(f)

	c, err := f.vmo.CreateChild()
	if err != nil {
		t.Fatalf("CreateChild: %v", err)
	}
	if _, err := p.StartServicing(1); err != nil {
		t.Fatalf("StartServicing: %v", err)
	}

	c.Close()
	waitSignal(t, f.zeroCh, "zero-children callback")
	waitWeak(t, p, 1)
	if got := f.zeroChildren.Load(); got != 1 {
		t.Errorf("zeroChildren = %d, want 1", got)
	}

	// Downgraded to weak: the watch fired once and is disarmed, so another
	// duplicate cycle is silent until servicing restarts.
	c2, _ := f.vmo.CreateChild()
	c2.Close()
	time.Sleep(50 * time.Millisecond)
	if got := f.zeroChildren.Load(); got != 1 {
		t.Errorf("disarmed watch fired again, zeroChildren = %d", got)
	}

	// Weak again means StartServicing newly starts.
	c3, _ := f.vmo.CreateChild()
	defer c3.Close()
	started, err := p.StartServicing(1)
	if err != nil || !started {
		t.Errorf("StartServicing after downgrade = (%v, %v), want (true, nil)", started, err)
	}
}

func TestZeroChildrenImmediateWhenNeverShared(t *testing.T) {
	p := newTestPager(t, Config{})

	f := newTestFile(t, p, 1, vmem.PageSize, 0)
	p.RegisterFile(f)

	// No duplicate exists, so arming the watch signals immediately and the
	// verified-zero path downgrades straight away.
	if _, err := p.StartServicing(1); err != nil {
		t.Fatalf("StartServicing: %v", err)
	}
	waitSignal(t, f.zeroCh, "immediate zero-children callback")
}

func TestZeroChildrenSignalRearmsOnRace(t *testing.T) {
	p := newTestPager(t, Config{})

	f := newTestFile(t, p, 1, vmem.PageSize, 0)
	p.RegisterFile(f)

	c, err := f.vmo.CreateChild()
	if err != nil {
		t.Fatalf("CreateChild: %v", err)
	}
	if _, err := p.StartServicing(1); err != nil {
		t.Fatalf("StartServicing: %v", err)
	}

	// Deliver a stale signal while a duplicate is still live: the re-queried
	// count is non-zero, so the handler must re-arm and leave the holder
	// strong without firing the callback.
	p.pt.handleZeroChildren(1)
	if got := f.zeroChildren.Load(); got != 0 {
		t.Fatalf("stale signal fired callback, zeroChildren = %d", got)
	}
	p.pt.mu.Lock()
	strong := p.pt.files[1].strong
	p.pt.mu.Unlock()
	if !strong {
		t.Fatal("stale signal downgraded the holder")
	}

	// The re-armed watch fires on the real transition.
	c.Close()
	waitSignal(t, f.zeroCh, "zero-children callback after re-arm")
}

func TestZeroChildrenSignalAfterUnregisterIsIgnored(t *testing.T) {
	p := newTestPager(t, Config{})

	f := newTestFile(t, p, 1, vmem.PageSize, 0)
	p.RegisterFile(f)

	c, err := f.vmo.CreateChild()
	if err != nil {
		t.Fatalf("CreateChild: %v", err)
	}
	if _, err := p.StartServicing(1); err != nil {
		t.Fatalf("StartServicing: %v", err)
	}
	p.UnregisterFile(f)

	c.Close()
	time.Sleep(50 * time.Millisecond)
	if got := f.zeroChildren.Load(); got != 0 {
		t.Errorf("unregistered node got %d zero-children callbacks", got)
	}
}

func TestTerminate(t *testing.T) {
	p := newTestPager(t, Config{})

	f := newTestFile(t, p, 1, vmem.PageSize, 0x33)
	p.RegisterFile(f)
	c, err := f.vmo.CreateChild()
	if err != nil {
		t.Fatalf("CreateChild: %v", err)
	}
	defer c.Close()
	if _, err := p.StartServicing(1); err != nil {
		t.Fatalf("StartServicing: %v", err)
	}

	if p.Terminated() {
		t.Fatal("Terminated before Terminate")
	}
	p.Terminate()
	if !p.Terminated() {
		t.Fatal("Terminated false after Terminate returned")
	}

	p.pt.mu.Lock()
	n := len(p.pt.files)
	p.pt.mu.Unlock()
	if n != 0 {
		t.Errorf("registry holds %d entries after Terminate", n)
	}
}

func TestCloseBeforeTerminatePanics(t *testing.T) {
	p, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Error("Close before Terminate did not panic")
		}
		p.Terminate()
		p.Close()
	}()
	p.Close()
}

func waitCount(t *testing.T, c *atomic.Int64, want int64, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.Load() < want {
		if time.Now().After(deadline) {
			t.Fatalf("%s = %d, want %d", what, c.Load(), want)
		}
		time.Sleep(time.Millisecond)
	}
	if got := c.Load(); got != want {
		t.Errorf("%s = %d, want %d", what, got, want)
	}
}

// recordingMetrics counts observations for assertions.
type recordingMetrics struct {
	registered atomic.Int64
	downgrades atomic.Int64
	rearms     atomic.Int64
	zeroFills  atomic.Int64
	pageIns    atomic.Int64
	supplies   atomic.Int64
}

func (m *recordingMetrics) ObservePageIn(bytes uint64, d time.Duration) { m.pageIns.Add(1) }
func (m *recordingMetrics) ObserveZeroFill(bytes uint64)               { m.zeroFills.Add(1) }
func (m *recordingMetrics) ObserveSupply(bytes uint64, failed bool)    { m.supplies.Add(1) }
func (m *recordingMetrics) SetRegisteredFiles(count int)               { m.registered.Store(int64(count)) }
func (m *recordingMetrics) RecordDowngrade()                           { m.downgrades.Add(1) }
func (m *recordingMetrics) RecordWatchRearm()                          { m.rearms.Add(1) }

func TestMetricsObservations(t *testing.T) {
	rec := &recordingMetrics{}
	p := newTestPager(t, Config{Metrics: rec})

	f := newTestFile(t, p, 1, 2*vmem.PageSize, 0x44)
	p.RegisterFile(f)
	if got := rec.registered.Load(); got != 1 {
		t.Errorf("registered gauge = %d, want 1", got)
	}

	buf := make([]byte, vmem.PageSize)
	if _, err := f.vmo.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	// The observations land just after the accessor unblocks; poll them.
	waitCount(t, &rec.pageIns, 1, "page-in observations")
	waitCount(t, &rec.supplies, 1, "supply observations")

	c, _ := f.vmo.CreateChild()
	if _, err := p.StartServicing(1); err != nil {
		t.Fatalf("StartServicing: %v", err)
	}
	c.Close()
	waitSignal(t, f.zeroCh, "zero-children callback")
	waitCount(t, &rec.downgrades, 1, "downgrades")

	p.UnregisterFile(f)
	if got := rec.registered.Load(); got != 0 {
		t.Errorf("registered gauge = %d, want 0 after unregister", got)
	}
}
