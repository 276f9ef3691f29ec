package coragent

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// ThreadAgentPlugin runs tasks on a fixed pool of in-process agents. At most
// threadConcurrency of them execute user functions at the same time.
type ThreadAgentPlugin struct {
	mu        sync.Mutex
	started   bool
	stopped   int32
	pool      *semaphore.Weighted
	agents    chan Agent
	closeOnce sync.Once
	log       *log.Entry
}

func NewThreadAgentPlugin() *ThreadAgentPlugin {
	return &ThreadAgentPlugin{agents: make(chan Agent)}
}

func (p *ThreadAgentPlugin) Name() string {
	return "Thread"
}

// Start creates threadPoolSize agents, one per CPU if unset.
// threadConcurrency defaults to the number of agents.
func (p *ThreadAgentPlugin) Start(pc *PluginContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return &PluginError{Plugin: p.Name(), Err: errors.New("already started")}
	}
	if atomic.LoadInt32(&p.stopped) == 1 {
		return &PluginError{Plugin: p.Name(), Err: fmt.Errorf("%w: plugin was stopped", ErrPluginStart)}
	}

	conf := pc.config()
	size := runtime.NumCPU()
	if conf.IsSet("threadPoolSize") {
		size = conf.GetInt("threadPoolSize")
	}
	if size <= 0 {
		return &PluginError{Plugin: p.Name(), Err: fmt.Errorf("%w: threadPoolSize must be positive, got %d", ErrPluginStart, size)}
	}
	concurrency := size
	if conf.IsSet("threadConcurrency") {
		concurrency = conf.GetInt("threadConcurrency")
	}
	if concurrency <= 0 {
		return &PluginError{Plugin: p.Name(), Err: fmt.Errorf("%w: threadConcurrency must be positive, got %d", ErrPluginStart, concurrency)}
	}
	if concurrency > size {
		concurrency = size
	}

	p.log = pc.logger(p.Name())
	p.pool = semaphore.NewWeighted(int64(concurrency))
	p.agents = make(chan Agent, size)
	for i := 0; i < size; i++ {
		p.agents <- &threadAgent{
			id:     fmt.Sprintf("thread-%d", i),
			plugin: p,
		}
	}
	p.started = true
	p.log.Debugf("pool of %d agents, %d running at once", size, concurrency)
	return nil
}

// Stop retires all agents. It is safe to call at any time and more than once.
func (p *ThreadAgentPlugin) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	atomic.StoreInt32(&p.stopped, 1)
	p.closeOnce.Do(func() { close(p.agents) })
	return nil
}

func (p *ThreadAgentPlugin) Agents() <-chan Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agents
}

type threadAgent struct {
	id     string
	plugin *ThreadAgentPlugin
	exec   localExecutor
}

func (a *threadAgent) ID() string {
	return a.id
}

func (a *threadAgent) Alive() bool {
	return atomic.LoadInt32(&a.plugin.stopped) == 0
}

func (a *threadAgent) acquire(ctx context.Context) error {
	if !a.Alive() {
		return fmt.Errorf("%s: %w", a.id, ErrAgentStopped)
	}
	return a.plugin.pool.Acquire(ctx, 1)
}

func (a *threadAgent) RunMapper(ctx context.Context, job *Job, task *MapTask) ([]KeyValue, error) {
	if err := a.acquire(ctx); err != nil {
		return nil, err
	}
	defer a.plugin.pool.Release(1)
	return a.exec.RunMapper(job, task)
}

func (a *threadAgent) RunReducer(ctx context.Context, job *Job, task *ReduceTask, values []string) (string, error) {
	if err := a.acquire(ctx); err != nil {
		return "", err
	}
	defer a.plugin.pool.Release(1)
	return a.exec.RunReducer(job, task, values)
}
