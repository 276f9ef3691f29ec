package coragent

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ISE-SMILE/coragent/internal/pkg/corcache"
	"github.com/ISE-SMILE/coragent/internal/pkg/corfs"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Job is the logical container for a MapReduce computation. It owns the map
// and reduce tasks and the result structure reduce runners emit into.
type Job struct {
	ID     string
	Map    Mapper
	Reduce Reducer

	fileSystem  corfs.FileSystem
	cacheSystem corcache.CacheSystem

	mu          sync.RWMutex
	mapTasks    []*MapTask
	reduceTasks map[string]*ReduceTask
	filesystems map[corfs.FileSystemType]corfs.FileSystem

	results     sync.Map
	resultCount int64

	bytesRead    int64
	bytesWritten int64

	runtimeID     string
	started       time.Time
	activationLog chan taskResult
	wg            sync.WaitGroup
}

// NewJob creates a new job from a Mapper and Reducer. Intermediate pairs are
// kept in memory until the driver configures another cache.
func NewJob(mapper Mapper, reducer Reducer) *Job {
	return &Job{
		ID:          "job",
		Map:         mapper,
		Reduce:      reducer,
		cacheSystem: corcache.NewLocalInMemoryProvider(0),
		reduceTasks: make(map[string]*ReduceTask),
		filesystems: make(map[corfs.FileSystemType]corfs.FileSystem),
		runtimeID:   randomName(),
		started:     time.Now(),
	}
}

// AddMapTask registers a map task for one input partition.
func (j *Job) AddMapTask(split inputSplit) *MapTask {
	j.mu.Lock()
	defer j.mu.Unlock()
	task := &MapTask{ID: len(j.mapTasks), Split: split}
	j.mapTasks = append(j.mapTasks, task)
	return task
}

// AddReduceTask registers the reduce task responsible for key.
func (j *Job) AddReduceTask(key string) (*ReduceTask, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.reduceTasks[key]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateReduceTask, key)
	}
	task := &ReduceTask{ID: len(j.reduceTasks), Key: key}
	j.reduceTasks[key] = task
	return task, nil
}

func (j *Job) MapTasks() []*MapTask {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]*MapTask(nil), j.mapTasks...)
}

// ReduceTasks returns the reduce tasks ordered by key.
func (j *Job) ReduceTasks() []*ReduceTask {
	j.mu.RLock()
	tasks := make([]*ReduceTask, 0, len(j.reduceTasks))
	for _, t := range j.reduceTasks {
		tasks = append(tasks, t)
	}
	j.mu.RUnlock()

	sort.Slice(tasks, func(a, b int) bool { return tasks[a].Key < tasks[b].Key })
	return tasks
}

// Emit stores the final value of key. Each key accepts exactly one emit and
// must belong to a registered reduce task. Emits for different keys never
// contend with each other.
func (j *Job) Emit(key, value string) error {
	j.mu.RLock()
	_, ok := j.reduceTasks[key]
	j.mu.RUnlock()
	if !ok {
		log.Errorf("emit for unassigned key %q", key)
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}

	if _, loaded := j.results.LoadOrStore(key, value); loaded {
		log.Errorf("duplicate emit for key %q", key)
		return fmt.Errorf("%w: %q", ErrDuplicateEmit, key)
	}
	atomic.AddInt64(&j.resultCount, 1)
	return nil
}

// Result returns the emitted value of key.
func (j *Job) Result(key string) (string, bool) {
	v, ok := j.results.Load(key)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Results returns a snapshot of the aggregated results.
func (j *Job) Results() map[string]string {
	out := make(map[string]string, atomic.LoadInt64(&j.resultCount))
	j.results.Range(func(k, v interface{}) bool {
		out[k.(string)] = v.(string)
		return true
	})
	return out
}

// Complete reports whether every task reached a terminal status.
func (j *Job) Complete() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	for _, t := range j.mapTasks {
		if !t.Terminal() {
			return false
		}
	}
	for _, t := range j.reduceTasks {
		if !t.Terminal() {
			return false
		}
	}
	return true
}

// FailedTasks lists the names of tasks that ended in TaskFailed.
func (j *Job) FailedTasks() []string {
	failed := make([]string, 0)
	for _, t := range j.MapTasks() {
		if t.Status() == TaskFailed {
			failed = append(failed, t.Name())
		}
	}
	for _, t := range j.ReduceTasks() {
		if t.Status() == TaskFailed {
			failed = append(failed, t.Name())
		}
	}
	return failed
}

func (j *Job) inputFileSystem(filename string) corfs.FileSystem {
	if j.fileSystem != nil {
		return j.fileSystem
	}

	fsType := corfs.FilesystemType(filename)
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.filesystems == nil {
		j.filesystems = make(map[corfs.FileSystemType]corfs.FileSystem)
	}
	fs, ok := j.filesystems[fsType]
	if !ok {
		fs = corfs.InferFilesystem(filename)
		j.filesystems[fsType] = fs
	}
	return fs
}

// runMapper applies the user map function to every record of split.
func (j *Job) runMapper(split inputSplit) ([]KeyValue, error) {
	emitter := &collectingEmitter{}
	err := safely(func() error {
		read, err := readSplit(j.inputFileSystem(split.Filename), split, func(record string) error {
			kv := splitInputRecord(record)
			//inject the filename in case we have no other key...
			if kv.Key == "" {
				kv.Key = split.Filename
			}
			return userFunc(j.Map.Map(kv.Key, kv.Value, emitter))
		})
		atomic.AddInt64(&j.bytesRead, read)
		return err
	})
	return emitter.pairs, err
}

// runReducer applies the user reduce function to the values of key.
func (j *Job) runReducer(key string, values []string) (string, error) {
	emitter := &collectingEmitter{}
	err := safely(func() error {
		return userFunc(j.Reduce.Reduce(key, newValueIterator(values), emitter))
	})
	if err != nil {
		return "", err
	}
	if len(emitter.pairs) != 1 {
		return "", userFunc(fmt.Errorf("reducer emitted %d values for key %q, want 1", len(emitter.pairs), key))
	}
	if emitter.pairs[0].Key != key {
		return "", userFunc(fmt.Errorf("reducer for key %q emitted key %q", key, emitter.pairs[0].Key))
	}
	return emitter.pairs[0].Value, nil
}

// userFuncError marks a failure raised by a user Map or Reduce function, as
// opposed to a failure reading its input.
type userFuncError struct {
	err error
}

func (e *userFuncError) Error() string { return e.err.Error() }
func (e *userFuncError) Unwrap() error { return e.err }

func userFunc(err error) error {
	if err == nil {
		return nil
	}
	return &userFuncError{err: err}
}

// userFuncCause returns the user function failure wrapped in err, or nil.
func userFuncCause(err error) error {
	var ue *userFuncError
	if errors.As(err, &ue) {
		return ue.err
	}
	return nil
}

func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = userFunc(fmt.Errorf("panic: %v", r))
		}
	}()
	return fn()
}

func (j *Job) intermediatePath(task *MapTask) string {
	return fmt.Sprintf("map-%s-%d", j.ID, task.ID)
}

// writeIntermediate stores the pairs of a map task as JSON lines and returns
// the number of bytes written.
func (j *Job) writeIntermediate(task *MapTask, pairs []KeyValue) (int64, error) {
	w, err := j.cacheSystem.OpenWriter(j.intermediatePath(task))
	if err != nil {
		return 0, err
	}
	counter := &countingWriter{w: w}
	encoder := json.NewEncoder(counter)
	for _, kv := range pairs {
		if err := encoder.Encode(kv); err != nil {
			w.Close()
			return counter.n, err
		}
	}
	atomic.AddInt64(&j.bytesWritten, counter.n)
	return counter.n, w.Close()
}

// readIntermediate loads the pairs of a map task grouped by key.
func (j *Job) readIntermediate(task *MapTask) (map[string][]string, error) {
	r, err := j.cacheSystem.OpenReader(j.intermediatePath(task), 0)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	data := make(map[string][]string)
	decoder := json.NewDecoder(r)
	for decoder.More() {
		var kv KeyValue
		if err := decoder.Decode(&kv); err != nil {
			return nil, err
		}
		data[kv.Key] = append(data[kv.Key], kv.Value)
	}
	return data, nil
}

func (j *Job) collectActivation(result taskResult) {
	if j.activationLog != nil {
		j.activationLog <- result
	}
}

// CollectMetrics starts writing one CSV row per finished task. It must be
// called before the job runs; done flushes the log.
func (j *Job) CollectMetrics() {
	j.activationLog = make(chan taskResult, 64)
	j.wg.Add(1)
	go j.writeActivationLog()
}

func (j *Job) done() {
	if j.activationLog != nil {
		close(j.activationLog)
		j.wg.Wait()
		j.activationLog = nil
	}
}

func activationLogName() string {
	logName := fmt.Sprintf("%s_%s.csv",
		viper.GetString("logName"),
		time.Now().Format("2006_01_02"))

	if viper.IsSet("logDir") {
		logName = filepath.Join(viper.GetString("logDir"), logName)
	} else if dir := os.Getenv("CORAGENT_LOGDIR"); dir != "" {
		logName = filepath.Join(dir, logName)
	}
	return logName
}

func (j *Job) writeActivationLog() {
	defer j.wg.Done()

	logName := activationLogName()
	logFile, err := os.OpenFile(logName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.Errorf("failed to open activation log @ %s - %+v", logName, err)
		for range j.activationLog {
		}
		return
	}
	defer logFile.Close()

	writer := bufio.NewWriter(logFile)
	logWriter := csv.NewWriter(writer)

	err = logWriter.Write([]string{
		"JId", "CId", "HId", "RId", "Status", "CStart", "EStart", "EEnd", "Read", "Written",
	})
	if err != nil {
		log.Errorf("failed to write activation log header @ %s - %+v", logName, err)
	}
	for task := range j.activationLog {
		err = logWriter.Write([]string{
			task.JId,
			task.CId,
			task.HId,
			task.RId,
			task.Status,
			strconv.FormatInt(task.CStart, 10),
			strconv.FormatInt(task.EStart, 10),
			strconv.FormatInt(task.EEnd, 10),
			strconv.Itoa(task.BytesRead),
			strconv.Itoa(task.BytesWritten),
		})
		if err != nil {
			log.Debugf("failed to write %+v - %+v", task, err)
		}
		logWriter.Flush()
	}
	logWriter.Flush()
	writer.Flush()
	log.Info("written metrics")
}
