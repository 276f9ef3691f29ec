package coragent

// localExecutor runs user functions in the current process. Thread agents
// and remote workers share it so both report failures the same way: only a
// failing user function becomes a *TaskError, input errors are returned as is.
type localExecutor struct{}

func (localExecutor) RunMapper(job *Job, task *MapTask) ([]KeyValue, error) {
	return localExecutor{}.runMapper(job, task.Name(), task.Split)
}

func (localExecutor) RunReducer(job *Job, task *ReduceTask, values []string) (string, error) {
	return localExecutor{}.runReducer(job, task.Name(), task.Key, values)
}

func (localExecutor) runMapper(job *Job, taskID string, split inputSplit) ([]KeyValue, error) {
	pairs, err := job.runMapper(split)
	if cause := userFuncCause(err); cause != nil {
		return nil, &TaskError{TaskID: taskID, Phase: MapPhase, Err: cause}
	}
	if err != nil {
		return nil, err
	}
	return pairs, nil
}

func (localExecutor) runReducer(job *Job, taskID, key string, values []string) (string, error) {
	value, err := job.runReducer(key, values)
	if cause := userFuncCause(err); cause != nil {
		return "", &TaskError{TaskID: taskID, Phase: ReducePhase, Err: cause}
	}
	if err != nil {
		return "", err
	}
	return value, nil
}
