package vmem

import "sync"

// Port is an unbounded FIFO queue of packets. The kernel side (VMO fault
// and signal paths) queues packets; a single consumer drains them with Wait.
// Delivery order is exactly enqueue order.
type Port struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Packet
	closed bool
}

// NewPort creates an empty port.
func NewPort() *Port {
	p := &Port{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Queue appends a packet to the port. Returns ErrClosed after Close.
func (p *Port) Queue(pkt Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	p.queue = append(p.queue, pkt)
	p.cond.Signal()
	return nil
}

// Wait blocks until a packet is available and returns it. Packets already
// queued when the port is closed are still drained; once the queue is empty
// a closed port returns ErrClosed.
func (p *Port) Wait() (Packet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) == 0 {
		if p.closed {
			return Packet{}, ErrClosed
		}
		p.cond.Wait()
	}

	pkt := p.queue[0]
	// Shift rather than re-slice so the backing array does not pin
	// delivered packets.
	copy(p.queue, p.queue[1:])
	p.queue = p.queue[:len(p.queue)-1]
	return pkt, nil
}

// Pending returns the number of queued packets.
func (p *Port) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close marks the port closed and wakes all waiters. Queued packets remain
// drainable.
func (p *Port) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	p.cond.Broadcast()
}
