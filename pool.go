package coragent

import (
	"context"
	"sync"
	"time"
)

// agentPool hands out idle agents collected from all running plugins.
type agentPool struct {
	mu          sync.Mutex
	idle        []Agent
	signal      chan struct{}
	waitTimeout time.Duration
	wg          sync.WaitGroup
}

func newAgentPool(plugins []AgentPlugin, waitTimeout time.Duration) *agentPool {
	pool := &agentPool{
		signal:      make(chan struct{}, 1),
		waitTimeout: waitTimeout,
	}
	for _, p := range plugins {
		pool.wg.Add(1)
		go func(agents <-chan Agent) {
			defer pool.wg.Done()
			for a := range agents {
				pool.release(a)
			}
		}(p.Agents())
	}
	return pool
}

// acquire blocks until an alive agent is idle, ctx is done or the wait
// timeout passes.
func (p *agentPool) acquire(ctx context.Context) (Agent, error) {
	var timeout <-chan time.Time
	if p.waitTimeout > 0 {
		timer := time.NewTimer(p.waitTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		if a := p.take(); a != nil {
			return a, nil
		}
		select {
		case <-p.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout:
			return nil, ErrNoAgent
		}
	}
}

func (p *agentPool) take() Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.idle) > 0 {
		a := p.idle[0]
		p.idle = p.idle[1:]
		if a.Alive() {
			if len(p.idle) > 0 {
				p.notify()
			}
			return a
		}
	}
	return nil
}

// release returns an agent to the pool. Dead agents are dropped.
func (p *agentPool) release(a Agent) {
	if a == nil || !a.Alive() {
		return
	}
	p.mu.Lock()
	p.idle = append(p.idle, a)
	p.mu.Unlock()
	p.notify()
}

func (p *agentPool) notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// size returns the number of idle agents.
func (p *agentPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// close waits until every plugin stream has ended.
func (p *agentPool) close() {
	p.wg.Wait()
}
