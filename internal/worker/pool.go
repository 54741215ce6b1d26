package worker

import (
	"sync"
)

type task func()

// Pool is a fixed-size goroutine pool with a bounded queue. Submit blocks
// when the queue is full, which is the backpressure the escrow sweep wants.
type Pool struct {
	wg   sync.WaitGroup
	jobs chan task
}

func NewPool(n int) *Pool {
	if n <= 0 {
		n = 4
	}
	p := &Pool{jobs: make(chan task, 256)}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				job()
			}
		}()
	}
	return p
}

func (p *Pool) Submit(f task) { p.jobs <- f }

// Stop drains queued tasks and waits for the workers to exit.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
}
