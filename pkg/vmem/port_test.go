package vmem

import "testing"

func TestPortFIFO(t *testing.T) {
	p := NewPort()

	for i := uint64(1); i <= 3; i++ {
		if err := p.Queue(Packet{Key: i, Kind: PacketPageRequest}); err != nil {
			t.Fatalf("Queue(%d): %v", i, err)
		}
	}
	if got := p.Pending(); got != 3 {
		t.Fatalf("Pending = %d, want 3", got)
	}

	for i := uint64(1); i <= 3; i++ {
		pkt, err := p.Wait()
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		if pkt.Key != i {
			t.Errorf("Wait returned key %d, want %d", pkt.Key, i)
		}
	}
}

func TestPortWaitBlocksUntilQueue(t *testing.T) {
	p := NewPort()

	got := make(chan Packet, 1)
	go func() {
		pkt, err := p.Wait()
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		got <- pkt
	}()

	if err := p.Queue(Packet{Key: 42, Kind: PacketSignal}); err != nil {
		t.Fatalf("Queue: %v", err)
	}
	pkt := <-got
	if pkt.Key != 42 || pkt.Kind != PacketSignal {
		t.Errorf("got packet %+v", pkt)
	}
}

func TestPortCloseDrainsRemaining(t *testing.T) {
	p := NewPort()

	if err := p.Queue(Packet{Key: 7}); err != nil {
		t.Fatalf("Queue: %v", err)
	}
	p.Close()

	// The packet queued before Close is still delivered.
	pkt, err := p.Wait()
	if err != nil {
		t.Fatalf("Wait after Close: %v", err)
	}
	if pkt.Key != 7 {
		t.Errorf("Wait returned key %d, want 7", pkt.Key)
	}

	if _, err := p.Wait(); err != ErrClosed {
		t.Errorf("Wait on drained closed port = %v, want ErrClosed", err)
	}
	if err := p.Queue(Packet{}); err != ErrClosed {
		t.Errorf("Queue on closed port = %v, want ErrClosed", err)
	}
}

func TestPortCloseWakesWaiter(t *testing.T) {
	p := NewPort()

	done := make(chan error, 1)
	go func() {
		_, err := p.Wait()
		done <- err
	}()

	p.Close()
	if err := <-done; err != ErrClosed {
		t.Errorf("Wait woken by Close = %v, want ErrClosed", err)
	}
}

func TestPortCloseIdempotent(t *testing.T) {
	p := NewPort()
	p.Close()
	p.Close()
}
