package orchestrator

import (
	"sync"
	"time"
)

// progress fires a callback once after a delay unless stopped first. Stop
// waits for an in-flight callback so nothing is sent after it returns.
type progress struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func startProgress(delay time.Duration, fire func()) *progress {
	p := &progress{}
	if delay <= 0 || fire == nil {
		p.stopped = true
		return p
	}
	p.timer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.stopped {
			return
		}
		p.stopped = true
		fire()
	})
	return p
}

func (p *progress) Stop() {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}
