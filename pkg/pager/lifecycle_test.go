package pager

import (
	"bytes"
	"testing"
	"time"

	"github.com/marmos91/pagefs/pkg/vmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFileLifecycle walks one file through its whole pager lifecycle: an
// early fault before servicing, content faults while shared, the downgrade
// when the last duplicate drops, a second servicing round, and teardown.
func TestFileLifecycle(t *testing.T) {
	p, err := New(Config{})
	require.NoError(t, err)

	const objectID = 7
	const size = 16 * vmem.PageSize // 64 KiB

	vmo, err := p.CreateVMO(objectID, size)
	require.NoError(t, err)
	defer vmo.Close()

	f := &testFile{
		id:      objectID,
		vmo:     vmo,
		p:       p,
		pattern: 0xbe,
		zeroCh:  make(chan struct{}, 8),
	}
	p.RegisterFile(f)

	// Not alive yet: a fault against the weak registration reads zeroes
	// even though the node is registered.
	buf := make([]byte, vmem.PageSize)
	_, err = vmo.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, vmem.PageSize), buf, "pre-servicing fault should read zero")
	assert.EqualValues(t, 0, f.pageIns.Load())

	// The file comes alive and is handed to a client.
	f.alive.Store(true)
	child, err := vmo.CreateChild()
	require.NoError(t, err)

	started, err := p.StartServicing(objectID)
	require.NoError(t, err)
	assert.True(t, started, "first StartServicing should newly start")

	// Faults through the client duplicate now reach the node.
	_, err = child.ReadAt(buf, 2*vmem.PageSize)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xbe}, vmem.PageSize), buf)
	assert.EqualValues(t, 1, f.pageIns.Load())

	// Last duplicate drops: the node hears about it exactly once and the
	// registration goes back to weak.
	require.NoError(t, child.Close())
	select {
	case <-f.zeroCh:
	case <-time.After(2 * time.Second):
		t.Fatal("zero-children callback never fired")
	}
	waitWeak(t, p, objectID)
	assert.EqualValues(t, 1, f.zeroChildren.Load())

	// A second client maps the file; servicing restarts from weak.
	child2, err := vmo.CreateChild()
	require.NoError(t, err)
	started, err = p.StartServicing(objectID)
	require.NoError(t, err)
	assert.True(t, started, "StartServicing after downgrade should newly start")

	_, err = child2.ReadAt(buf, 4*vmem.PageSize)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xbe}, vmem.PageSize), buf)
	require.NoError(t, child2.Close())
	select {
	case <-f.zeroCh:
	case <-time.After(2 * time.Second):
		t.Fatal("second zero-children callback never fired")
	}

	// The file is evicted; a fault on a still-uncommitted range falls back
	// to zero-fill.
	p.UnregisterFile(f)
	_, err = vmo.ReadAt(buf, 6*vmem.PageSize)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, vmem.PageSize), buf, "post-unregister fault should read zero")

	p.Terminate()
	assert.True(t, p.Terminated())
	p.Close()
}
