package worker

import "sync"

// PausePool is a reference-counted pause gate shared between the
// discovery driver and the transcript-download worker pool: while
// the count is above zero, claim loops block before pulling a job.
// Acquire/release is intended to be used with defer so every exit path,
// including a recovered panic, releases its hold.
type PausePool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	holders int
}

// NewPausePool builds an initially-unpaused gate.
func NewPausePool() *PausePool {
	p := &PausePool{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Acquire increments the pause count, blocking new claims.
func (p *PausePool) Acquire() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.holders++
}

// Release decrements the pause count, waking any blocked Wait callers
// once it reaches zero.
func (p *PausePool) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.holders > 0 {
		p.holders--
	}
	if p.holders == 0 {
		p.cond.Broadcast()
	}
}

// Wait blocks the calling goroutine while the pool is paused.
func (p *PausePool) Wait() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.holders > 0 {
		p.cond.Wait()
	}
}
