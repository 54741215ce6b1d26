package worker

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolRunsAllTasks(t *testing.T) {
	p := NewPool(3)

	var count int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		p.Submit(func() {
			defer wg.Done()
			atomic.AddInt64(&count, 1)
		})
	}
	wg.Wait()
	p.Stop()

	assert.Equal(t, int64(100), atomic.LoadInt64(&count))
}

func TestPoolStopDrainsQueue(t *testing.T) {
	p := NewPool(1)

	var count int64
	for i := 0; i < 10; i++ {
		p.Submit(func() { atomic.AddInt64(&count, 1) })
	}
	p.Stop()

	assert.Equal(t, int64(10), atomic.LoadInt64(&count))
}

func TestPoolDefaultsWorkerCount(t *testing.T) {
	p := NewPool(0)
	done := make(chan struct{})
	p.Submit(func() { close(done) })
	<-done
	p.Stop()
}
