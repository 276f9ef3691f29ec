package coragent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// MapRunner executes one MapTask on an agent and exposes the intermediate
// pairs it produced.
type MapRunner struct {
	agent Agent

	mu      sync.Mutex
	task    *MapTask
	master  *Job
	running bool

	indexOnce sync.Once
	index     map[string][]string
	indexErr  error
}

func NewMapRunner(agent Agent) *MapRunner {
	return &MapRunner{agent: agent}
}

// SetMapTask binds the runner to task. It fails while a task is in flight.
func (r *MapRunner) SetMapTask(task *MapTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrRunnerBusy
	}
	r.task = task
	r.indexOnce = sync.Once{}
	r.index = nil
	r.indexErr = nil
	return nil
}

func (r *MapRunner) SetMaster(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.master = job
}

func (r *MapRunner) Task() *MapTask {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task
}

// RunMapTask runs the bound task. A failing map function marks the task
// failed and returns a *TaskError; any other failure puts the task back to
// pending so it can be assigned again.
func (r *MapRunner) RunMapTask(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrRunnerBusy
	}
	if r.task == nil || r.master == nil || r.agent == nil {
		r.mu.Unlock()
		return ErrRunnerUnbound
	}
	task, job := r.task, r.master
	if !task.transition(TaskPending, TaskRunning) {
		r.mu.Unlock()
		return fmt.Errorf("map task %s is %s, not pending", task.Name(), task.Status())
	}
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	start := time.Now()
	var written int64
	pairs, err := r.agent.RunMapper(ctx, job, task)
	if err == nil {
		written, err = job.writeIntermediate(task, pairs)
	}
	status := finishTask(&task.taskState, err)
	job.collectActivation(activation(job, r.agent, task.Name(), status, start, task.Split.Size(), written))

	if err != nil {
		log.Debugf("map task %s on %s: %+v", task.Name(), r.agent.ID(), err)
	}
	return err
}

func (r *MapRunner) loadIndex() (map[string][]string, error) {
	r.mu.Lock()
	task, job := r.task, r.master
	r.mu.Unlock()
	if task == nil || job == nil {
		return nil, ErrRunnerUnbound
	}
	if task.Status() != TaskDone {
		return nil, fmt.Errorf("%w: %s is %s", ErrMapPhaseIncomplete, task.Name(), task.Status())
	}

	r.indexOnce.Do(func() {
		r.index, r.indexErr = job.readIntermediate(task)
	})
	return r.index, r.indexErr
}

// Keys returns the sorted distinct keys the map task emitted.
func (r *MapRunner) Keys() []string {
	index, err := r.loadIndex()
	if err != nil {
		log.Debugf("no keys available, %+v", err)
		return nil
	}
	keys := make([]string, 0, len(index))
	for k := range index {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Values returns the values the map task emitted for key.
func (r *MapRunner) Values(key string) []string {
	index, err := r.loadIndex()
	if err != nil {
		log.Debugf("no values available, %+v", err)
		return nil
	}
	return index[key]
}

// ReduceRunner aggregates the values of one key on an agent and emits the
// result into the master.
type ReduceRunner struct {
	agent Agent

	mu      sync.Mutex
	task    *ReduceTask
	key     string
	keySet  bool
	master  *Job
	running bool
	// aggregated is set once the agent produced a value for the bound task.
	aggregated bool
	emitted    bool
}

func NewReduceRunner(agent Agent) *ReduceRunner {
	return &ReduceRunner{agent: agent}
}

// SetReduceTask binds the runner to task. It fails while a task is in flight.
func (r *ReduceRunner) SetReduceTask(task *ReduceTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrRunnerBusy
	}
	r.task = task
	r.aggregated = false
	r.emitted = false
	return nil
}

// SetKey sets the key the runner aggregates.
func (r *ReduceRunner) SetKey(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrRunnerBusy
	}
	r.key = key
	r.keySet = true
	r.aggregated = false
	r.emitted = false
	return nil
}

func (r *ReduceRunner) SetMaster(job *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.master = job
}

// RunReduceTask collects the values of the bound key from every map runner,
// aggregates them on the agent and emits the result. All map runners must
// have completed.
func (r *ReduceRunner) RunReduceTask(ctx context.Context, mapRunners []*MapRunner) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrRunnerBusy
	}
	if r.task == nil || r.master == nil || !r.keySet || r.agent == nil {
		r.mu.Unlock()
		return ErrRunnerUnbound
	}
	if r.key != r.task.Key {
		r.mu.Unlock()
		return fmt.Errorf("%w: runner key %q, task key %q", ErrKeyMismatch, r.key, r.task.Key)
	}
	task, job, key := r.task, r.master, r.key
	r.running = true
	r.aggregated = false
	r.emitted = false
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	values := make([]string, 0)
	for _, mr := range mapRunners {
		mt := mr.Task()
		if mt == nil || mt.Status() != TaskDone {
			return ErrMapPhaseIncomplete
		}
	}
	for _, mr := range mapRunners {
		index, err := mr.loadIndex()
		if err != nil {
			return err
		}
		values = append(values, index[key]...)
	}
	sort.Strings(values)

	if !task.transition(TaskPending, TaskRunning) {
		return fmt.Errorf("reduce task %s is %s, not pending", task.Name(), task.Status())
	}

	start := time.Now()
	value, err := r.agent.RunReducer(ctx, job, task, values)
	if err == nil {
		r.mu.Lock()
		r.aggregated = true
		r.mu.Unlock()
		err = r.emit(job, task, value)
	}

	status := finishTask(&task.taskState, err)
	job.collectActivation(activation(job, r.agent, task.Name(), status, start, 0, int64(len(value))))
	if err != nil {
		log.Debugf("reduce task %s on %s: %+v", task.Name(), r.agent.ID(), err)
	}
	return err
}

// Emit stores result for the bound key in the master. It only succeeds after
// the agent aggregated the bound task, and at most once per run.
func (r *ReduceRunner) Emit(result string) error {
	r.mu.Lock()
	job, task := r.master, r.task
	r.mu.Unlock()
	if job == nil || task == nil {
		return ErrRunnerUnbound
	}
	return r.emit(job, task, result)
}

func (r *ReduceRunner) emit(job *Job, task *ReduceTask, value string) error {
	r.mu.Lock()
	if !r.aggregated {
		r.mu.Unlock()
		return ErrNotAggregated
	}
	if r.emitted {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDuplicateEmit, task.Key)
	}
	r.emitted = true
	r.mu.Unlock()

	if err := job.Emit(task.Key, value); err != nil {
		return &TaskError{TaskID: task.Name(), Phase: ReducePhase, Err: err}
	}
	return nil
}

// finishTask moves a running task to its terminal state, or back to pending
// when err is not caused by a user function.
func finishTask(state *taskState, err error) TaskStatus {
	switch {
	case err == nil:
		state.transition(TaskRunning, TaskDone)
		return TaskDone
	case IsTaskError(err):
		state.transition(TaskRunning, TaskFailed)
		return TaskFailed
	default:
		state.transition(TaskRunning, TaskPending)
		return TaskPending
	}
}

func activation(job *Job, agent Agent, taskID string, status TaskStatus, start time.Time, read, written int64) taskResult {
	return taskResult{
		BytesRead:    int(read),
		BytesWritten: int(written),
		HId:          hostID(),
		CId:          job.runtimeID,
		JId:          fmt.Sprintf("%s_%s", job.ID, taskID),
		RId:          agent.ID(),
		Status:       status.String(),
		CStart:       job.started.Unix(),
		EStart:       start.Unix(),
		EEnd:         time.Now().Unix(),
	}
}
