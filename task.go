package coragent

import (
	"fmt"
	"sync/atomic"
)

// Phase is a descriptor of the phase (i.e. Map or Reduce) of a Job
type Phase int

// Descriptors of the Job phase
const (
	MapPhase Phase = iota
	ReducePhase
)

func (p Phase) String() string {
	switch p {
	case MapPhase:
		return "map"
	case ReducePhase:
		return "reduce"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// TaskStatus is the lifecycle state of a map or reduce task.
type TaskStatus int32

const (
	TaskPending TaskStatus = iota
	TaskRunning
	TaskDone
	TaskFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskDone:
		return "done"
	case TaskFailed:
		return "failed"
	default:
		return fmt.Sprintf("TaskStatus(%d)", int32(s))
	}
}

// taskState is shared by MapTask and ReduceTask.
type taskState struct {
	status int32
}

func (s *taskState) Status() TaskStatus {
	return TaskStatus(atomic.LoadInt32(&s.status))
}

func (s *taskState) transition(from, to TaskStatus) bool {
	return atomic.CompareAndSwapInt32(&s.status, int32(from), int32(to))
}

// Terminal reports whether the task is done or failed.
func (s *taskState) Terminal() bool {
	st := s.Status()
	return st == TaskDone || st == TaskFailed
}

// MapTask turns one input partition into intermediate key/value pairs.
type MapTask struct {
	taskState
	ID    int
	Split inputSplit
}

func (t *MapTask) Name() string {
	return fmt.Sprintf("m-%d", t.ID)
}

// ReduceTask aggregates every intermediate value of one key.
type ReduceTask struct {
	taskState
	ID  int
	Key string
}

func (t *ReduceTask) Name() string {
	return fmt.Sprintf("r-%d", t.ID)
}

// taskResult is one row of the activation log.
type taskResult struct {
	BytesRead    int
	BytesWritten int

	HId    string `json:"HId"`    //host identifier
	CId    string `json:"CId"`    //runtime identifier
	JId    string `json:"JId"`    //job and task identifier
	RId    string `json:"RId"`    //agent identifier
	Status string `json:"status"` //terminal task status
	CStart int64  `json:"cStart"` //start of runtime
	EStart int64  `json:"eStart"` //start of task
	EEnd   int64  `json:"eEnd"`   //end of task
}
