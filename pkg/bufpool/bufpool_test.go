package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSizeClasses(t *testing.T) {
	t.Run("PageClass", func(t *testing.T) {
		buf := Get(100)
		defer Put(buf)

		assert.Equal(t, 100, len(buf))
		assert.Equal(t, DefaultPageSize, cap(buf))
	})

	t.Run("RunClass", func(t *testing.T) {
		buf := Get(10 * 1024)
		defer Put(buf)

		assert.Equal(t, 10*1024, len(buf))
		assert.Equal(t, DefaultRunSize, cap(buf))
	})

	t.Run("ChunkClass", func(t *testing.T) {
		buf := Get(100 * 1024)
		defer Put(buf)

		assert.Equal(t, 100*1024, len(buf))
		assert.Equal(t, DefaultChunkSize, cap(buf))
	})

	t.Run("OversizedIsDirect", func(t *testing.T) {
		buf := Get(2 << 20)
		defer Put(buf)

		assert.Equal(t, 2<<20, len(buf))
		assert.Equal(t, 2<<20, cap(buf))
	})
}

func TestReuse(t *testing.T) {
	p := NewPool(nil)

	buf := p.Get(DefaultPageSize)
	buf[0] = 0xff
	p.Put(buf)

	// sync.Pool gives no reuse guarantee, but a same-goroutine immediate
	// round trip normally hands the buffer back; either way the slice must
	// have the class capacity.
	again := p.Get(DefaultPageSize)
	assert.Equal(t, DefaultPageSize, cap(again))
	p.Put(again)
}

func TestCustomClasses(t *testing.T) {
	p := NewPool(&Config{PageSize: 512, RunSize: 2048, ChunkSize: 8192})

	assert.Equal(t, 512, cap(p.Get(512)))
	assert.Equal(t, 2048, cap(p.Get(1024)))
	assert.Equal(t, 8192, cap(p.Get(4096)))
	assert.Equal(t, 16384, cap(p.Get(16384)))
}

func TestPutTolerates(t *testing.T) {
	p := NewPool(nil)

	p.Put(nil)
	p.Put(make([]byte, 17)) // odd capacity, never pooled
}

func TestConcurrentUse(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				buf := Get(4096)
				buf[0] = byte(j)
				Put(buf)
			}
		}()
	}
	wg.Wait()
}
