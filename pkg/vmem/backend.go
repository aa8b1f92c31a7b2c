package vmem

import (
	"fmt"
	"sync"
)

// PagerBackend is the per-volume factory for pager-backed VMOs and the
// supply channel for their content. It is the in-process stand-in for the
// kernel pager object: one exists per mounted volume, created alongside
// the notification port it routes faults to.
type PagerBackend struct {
	mu      sync.Mutex
	closed  bool
	created uint64
}

// NewPagerBackend creates a pager backend.
func NewPagerBackend() (*PagerBackend, error) {
	return &PagerBackend{}, nil
}

// CreateVMO creates a resizable, demand-paged memory object of size bytes.
// Faults and armed signals are delivered to port tagged with key.
func (b *PagerBackend) CreateVMO(port *Port, key uint64, size uint64) (*VMO, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	v, err := newVMO(size, b, port, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create pager-backed object: %w", err)
	}
	b.created++
	return v, nil
}

// SupplyPages copies len(r) bytes from src at srcOff into dst over r and
// commits the covered pages, waking any accessor blocked on them. The
// range must lie within dst's current (page-rounded) size.
func (b *PagerBackend) SupplyPages(dst *VMO, r Range, src *VMO, srcOff uint64) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	return dst.supply(r, src, srcOff)
}

// Created returns the number of VMOs created through this backend.
func (b *PagerBackend) Created() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.created
}

// Close shuts the backend down; further creates and supplies fail with
// ErrClosed. Existing VMOs stay usable for non-pager operations.
func (b *PagerBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
