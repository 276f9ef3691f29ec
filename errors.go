package coragent

import (
	"errors"
	"fmt"

	"github.com/ISE-SMILE/coragent/internal/pkg/corproto"
)

// Plugin errors.
var (
	ErrUnknownPlugin   = errors.New("unknown agent plugin")
	ErrEmptyPluginList = errors.New("empty agent plugin list")
	ErrPluginStart     = errors.New("agent plugin failed to start")
)

// Generic configuration failures, deliberately not PluginErrors.
var (
	ErrNoConfiguration       = errors.New("no configuration available")
	ErrUnusableConfiguration = errors.New("unusable configuration value")
)

// Job, runner and pool errors.
var (
	ErrDuplicateEmit       = errors.New("result already emitted for key")
	ErrUnknownKey          = errors.New("no reduce task assigned to key")
	ErrDuplicateReduceTask = errors.New("reduce task already assigned to key")
	ErrRunnerBusy          = errors.New("runner has a task in flight")
	ErrRunnerUnbound       = errors.New("runner is missing its task, key or master")
	ErrKeyMismatch         = errors.New("runner key does not match its reduce task")
	ErrMapPhaseIncomplete  = errors.New("map runner has not completed")
	ErrNotAggregated       = errors.New("runner has no aggregated result to emit")
	ErrNoAgent             = errors.New("no agent available")
	ErrAgentStopped        = errors.New("agent stopped")
	ErrInputUnavailable    = errors.New("task input unavailable on agent")
)

// Communication errors are produced by the registration protocol. A
// VersionMismatchError also matches ErrCommunication.
var ErrCommunication = corproto.ErrCommunication

type (
	CommunicationError   = corproto.CommunicationError
	VersionMismatchError = corproto.VersionMismatchError
)

// PluginError reports an agent plugin that could not be resolved or whose
// transport resource could not be acquired.
type PluginError struct {
	Plugin string
	Err    error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("agent plugin %q: %v", e.Plugin, e.Err)
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

// TaskError reports that a user supplied map or reduce function failed.
type TaskError struct {
	TaskID string
	Phase  Phase
	Err    error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s task %s failed: %v", e.Phase, e.TaskID, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// IsTaskError reports whether err is a user function failure.
func IsTaskError(err error) bool {
	var te *TaskError
	return errors.As(err, &te)
}
