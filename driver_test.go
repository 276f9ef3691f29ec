package coragent

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ISE-SMILE/coragent/internal/pkg/corproto"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var wordCountInput = map[string][]string{
	"a.txt": {"the quick brown fox", "jumps over the lazy dog"},
	"b.txt": {"the dog barks", "", "fox and dog"},
}

var wordCountExpected = map[string]string{
	"the": "3", "quick": "1", "brown": "1", "fox": "2", "jumps": "1",
	"over": "1", "lazy": "1", "dog": "3", "barks": "1", "and": "1",
}

func writeWordCountInput(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for name, lines := range wordCountInput {
		writeInput(t, dir, name, lines...)
	}
	return dir
}

func freeAddress(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestDriver_WordCountThread(t *testing.T) {
	dir := writeWordCountInput(t)

	conf := viper.New()
	conf.Set("agents", "Thread")
	conf.Set("threadPoolSize", 3)

	job := NewJob(testWordCount{}, testWordCount{})
	driver := NewDriver(job,
		WithInputs(dir),
		WithSplitSize(8),
		WithConfig(conf),
		WithLocalMemoryCache(),
	)
	require.NoError(t, driver.Run(context.Background()))

	assert.Equal(t, wordCountExpected, driver.Results())
	assert.True(t, job.Complete())
	assert.Empty(t, job.FailedTasks())
	assert.True(t, len(job.MapTasks()) > 2)
}

func TestDriver_DefaultsToThread(t *testing.T) {
	dir := writeWordCountInput(t)

	job := NewJob(testWordCount{}, testWordCount{})
	driver := NewDriver(job, WithInputs(dir), WithConfig(viper.New()))
	require.NoError(t, driver.Run(context.Background()))
	assert.Equal(t, wordCountExpected, driver.Results())
}

func TestDriver_WordCountSocket(t *testing.T) {
	dir := writeWordCountInput(t)
	addr := freeAddress(t)

	conf := socketConfig()
	conf.Set("agents", "Socket")
	conf.Set("socketAddress", addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// workers keep dialing until the master listens
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		worker := NewWorker(NewJob(testWordCount{}, testWordCount{}), addr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			deadline := time.Now().Add(5 * time.Second)
			for worker.Connect(ctx) != nil {
				if time.Now().After(deadline) || ctx.Err() != nil {
					return
				}
				time.Sleep(20 * time.Millisecond)
			}
			defer worker.Close()
			assert.NoError(t, worker.Serve(ctx))
		}()
	}

	job := NewJob(testWordCount{}, testWordCount{})
	driver := NewDriver(job,
		WithInputs(dir),
		WithSplitSize(16),
		WithConfig(conf),
		WithLocalMemoryCache(),
	)
	require.NoError(t, driver.Run(ctx))
	cancel()
	wg.Wait()

	assert.Equal(t, wordCountExpected, driver.Results())
	assert.Empty(t, job.FailedTasks())
}

func TestDriver_TaskFailuresDoNotAbort(t *testing.T) {
	dir := writeWordCountInput(t)

	mapper := MapperFunc(func(key, value string, emitter Emitter) error {
		if strings.Contains(value, "barks") {
			return errors.New("no barking")
		}
		return testWordCount{}.Map(key, value, emitter)
	})
	reducer := ReducerFunc(func(key string, values ValueIterator, emitter Emitter) error {
		if key == "fox" {
			return errors.New("no foxes")
		}
		return testWordCount{}.Reduce(key, values, emitter)
	})

	job := NewJob(mapper, reducer)
	driver := NewDriver(job, WithInputs(dir), WithConfig(viper.New()))
	require.NoError(t, driver.Run(context.Background()))

	results := driver.Results()
	assert.Equal(t, "2", results["the"])
	assert.NotContains(t, results, "fox")
	assert.NotContains(t, results, "barks")
	assert.True(t, job.Complete())
	assert.Len(t, job.FailedTasks(), 2)
}

func TestDriver_PluginStartFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	conf := socketConfig()
	conf.Set("agents", "Thread,Socket")
	conf.Set("socketAddress", ln.Addr().String())

	driver := NewDriver(NewJob(testWordCount{}, testWordCount{}), WithInputs(t.TempDir()), WithConfig(conf))
	err = driver.Run(context.Background())
	assert.True(t, errors.Is(err, ErrPluginStart))
}

func TestDriver_UnknownPlugin(t *testing.T) {
	conf := viper.New()
	conf.Set("agents", "Pigeon")

	driver := NewDriver(NewJob(testWordCount{}, testWordCount{}), WithInputs(t.TempDir()), WithConfig(conf))
	err := driver.Run(context.Background())
	assert.True(t, errors.Is(err, ErrUnknownPlugin))
}

func TestDriver_NoInputs(t *testing.T) {
	driver := NewDriver(NewJob(testWordCount{}, testWordCount{}), WithConfig(viper.New()))
	assert.Error(t, driver.Run(context.Background()))
}

func poolOf(t *testing.T, agents ...Agent) *agentPool {
	t.Helper()
	var calls []string
	p := &mockPlugin{name: "mock", log: &calls, agents: make(chan Agent, len(agents))}
	for _, a := range agents {
		p.agents <- a
	}
	close(p.agents)
	pool := newAgentPool([]AgentPlugin{p}, 500*time.Millisecond)
	pool.close()
	return pool
}

func TestDriver_AssignMapTaskReassigns(t *testing.T) {
	path := writeInput(t, t.TempDir(), "a.txt", "a b a")
	job := NewJob(testWordCount{}, testWordCount{})
	task := wholeFileTask(t, job, path)

	driver := NewDriver(job, WithConfig(viper.New()))
	flaky := &mockAgent{id: "flaky", err: &corproto.CommunicationError{Op: "read frame", Err: io.EOF}}
	driver.pool = poolOf(t, flaky, &mockAgent{id: "good"})

	runner, err := driver.AssignMapTask(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, TaskDone, task.Status())
	assert.Equal(t, []string{"a", "b"}, runner.Keys())
}

func TestDriver_AssignMapTaskGivesUp(t *testing.T) {
	path := writeInput(t, t.TempDir(), "a.txt", "a b a")
	job := NewJob(testWordCount{}, testWordCount{})
	task := wholeFileTask(t, job, path)

	driver := NewDriver(job, WithConfig(viper.New()))
	driver.pool = poolOf(t, &mockAgent{err: &corproto.CommunicationError{Op: "read frame", Err: io.EOF}})

	_, err := driver.AssignMapTask(context.Background(), task)
	assert.True(t, errors.Is(err, ErrCommunication))
	assert.Equal(t, TaskFailed, task.Status())
}

func TestDriver_AssignReduceTaskNoRetryOnTaskError(t *testing.T) {
	path := writeInput(t, t.TempDir(), "a.txt", "a b a")
	failing := ReducerFunc(func(key string, values ValueIterator, emitter Emitter) error {
		return errors.New("nope")
	})
	job := NewJob(testWordCount{}, failing)
	mr := runMap(t, job, path)
	task, err := job.AddReduceTask("a")
	require.NoError(t, err)

	driver := NewDriver(job, WithConfig(viper.New()))
	driver.pool = poolOf(t, &mockAgent{id: "one"})

	err = driver.AssignReduceTask(context.Background(), task, []*MapRunner{mr})
	assert.True(t, IsTaskError(err))
	assert.Equal(t, TaskFailed, task.Status())
}

func TestDriver_AssignWithoutAgents(t *testing.T) {
	job := NewJob(testWordCount{}, testWordCount{})
	task := job.AddMapTask(inputSplit{Filename: "f"})

	driver := NewDriver(job, WithConfig(viper.New()))
	_, err := driver.AssignMapTask(context.Background(), task)
	assert.Equal(t, ErrNoAgent, err)

	driver.pool = poolOf(t)
	_, err = driver.AssignMapTask(context.Background(), task)
	assert.True(t, errors.Is(err, ErrNoAgent))
	assert.Equal(t, TaskFailed, task.Status())
}
