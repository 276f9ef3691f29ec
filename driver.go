package coragent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/spf13/viper"

	"golang.org/x/sync/semaphore"

	log "github.com/sirupsen/logrus"
	pb "gopkg.in/cheggaaa/pb.v1"

	"github.com/ISE-SMILE/coragent/internal/pkg/corcache"
	"github.com/ISE-SMILE/coragent/internal/pkg/corfs"

	flag "github.com/spf13/pflag"
)

// Driver controls the execution of a MapReduce Job
type Driver struct {
	job    *Job
	config *config
	cache  corcache.CacheSystem
	pool   *agentPool

	mu         sync.Mutex
	mapRunners []*MapRunner

	Start   time.Time
	Runtime time.Duration
}

// config configures a Driver's execution of a job
type config struct {
	Inputs           []string
	SplitSize        int64
	MaxConcurrency   int
	MaxAttempts      int
	AgentWaitTimeout time.Duration
	Plugins          []AgentPlugin
	FileSystem       corfs.FileSystem
	Cache            corcache.CacheSystemType
	Conf             *viper.Viper
}

func newConfig() *config {
	loadConfig() // Load viper config from settings file(s) and environment

	return &config{
		Inputs:           []string{},
		SplitSize:        viper.GetInt64("splitSize"),
		MaxConcurrency:   viper.GetInt("maxConcurrency"),
		MaxAttempts:      viper.GetInt("maxAttempts"),
		AgentWaitTimeout: viper.GetDuration("agentWaitTimeout"),
		Cache:            corcache.CacheSystemType(viper.GetInt("cache")),
		Conf:             viper.GetViper(),
	}
}

// Option allows configuration of a Driver
type Option func(*config)

// NewDriver creates a new Driver with the provided job and optional configuration
func NewDriver(job *Job, options ...Option) *Driver {
	d := &Driver{
		job:   job,
		Start: time.Now(),
	}

	c := newConfig()
	for _, f := range options {
		f(c)
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 1
	}

	d.config = c
	log.Debugf("Loaded config: %#v", c)

	if c.Cache != corcache.NoCache {
		cache, err := corcache.NewCacheSystem(c.Cache)
		if err != nil {
			log.Debugf("failed to init cache, %+v", err)
			panic(err)
		} else {
			log.Infof("using cache %s", c.Cache)
		}
		d.cache = cache
	}

	return d
}

// WithSplitSize sets the SplitSize of the Driver
func WithSplitSize(s int64) Option {
	return func(c *config) {
		c.SplitSize = s
	}
}

// WithMaxConcurrency bounds the number of tasks dispatched at once
func WithMaxConcurrency(n int) Option {
	return func(c *config) {
		c.MaxConcurrency = n
	}
}

// WithInputs specifies job inputs (i.e. input files/directories)
func WithInputs(inputs ...string) Option {
	return func(c *config) {
		c.Inputs = append(c.Inputs, inputs...)
	}
}

// WithAgentPlugins uses plugins instead of the ones configured under "agents"
func WithAgentPlugins(plugins ...AgentPlugin) Option {
	return func(c *config) {
		c.Plugins = append(c.Plugins, plugins...)
	}
}

// WithFileSystem reads all inputs through fs instead of inferring it per input
func WithFileSystem(fs corfs.FileSystem) Option {
	return func(c *config) {
		c.FileSystem = fs
	}
}

// WithConfig makes plugins and the loader read conf instead of the global config
func WithConfig(conf *viper.Viper) Option {
	return func(c *config) {
		c.Conf = conf
	}
}

func WithLocalMemoryCache() Option {
	return func(c *config) {
		c.Cache = corcache.Local
	}
}

func WithRedisBackedCache() Option {
	return func(c *config) {
		c.Cache = corcache.Redis
	}
}

// Job returns the job run by the Driver.
func (d *Driver) Job() *Job {
	return d.job
}

// Results returns the aggregated results of the job.
func (d *Driver) Results() map[string]string {
	return d.job.Results()
}

// Run executes the job: it starts the agent plugins, runs every map task,
// waits for the map phase to finish and then runs one reduce task per
// intermediate key. Failed tasks are logged and recorded on the job; they do
// not abort the run.
func (d *Driver) Run(ctx context.Context) error {
	start := time.Now()
	defer func() {
		d.Runtime = time.Since(start)
	}()

	if len(d.config.Inputs) == 0 {
		return errors.New("no inputs")
	}

	job := d.job
	if d.config.FileSystem != nil {
		job.fileSystem = d.config.FileSystem
	}
	if d.cache != nil {
		job.cacheSystem = d.cache
	}
	if viper.GetBool("verbose") {
		log.Debugf("collecting job metrics")
		job.CollectMetrics()
	}
	defer job.done()

	plugins := d.config.Plugins
	if len(plugins) == 0 {
		loaded, err := LoadAgentPlugins(d.config.Conf, "agents")
		if err != nil {
			return err
		}
		if len(loaded) == 0 {
			log.Info("no agent plugins configured, using Thread")
			loaded = []AgentPlugin{NewThreadAgentPlugin()}
		}
		plugins = loaded
	}
	if err := StartAgentPlugins(ctx, d.config.Conf, plugins); err != nil {
		return err
	}
	d.pool = newAgentPool(plugins, d.config.AgentWaitTimeout)
	defer func() {
		StopAgentPlugins(plugins)
		d.pool.close()
	}()

	if err := d.planMapTasks(); err != nil {
		return err
	}
	d.runMapPhase(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := d.planReduceTasks(); err != nil {
		return err
	}
	d.runReducePhase(ctx)

	log.Infof("Job %s - Total Bytes Read:\t%s", job.ID, humanize.Bytes(uint64(job.bytesRead)))
	log.Infof("Job %s - Total Bytes Written:\t%s", job.ID, humanize.Bytes(uint64(job.bytesWritten)))
	if failed := job.FailedTasks(); len(failed) > 0 {
		log.Warnf("Job %s - %d tasks failed: %v", job.ID, len(failed), failed)
	}

	if d.cache != nil {
		if err := d.cache.Clear(); err != nil {
			log.Warnf("failed to cleanup cache, %+v", err)
		}
	}
	return ctx.Err()
}

func (d *Driver) planMapTasks() error {
	for _, input := range d.config.Inputs {
		fs := d.job.inputFileSystem(input)
		files, err := fs.ListFiles(input)
		if err != nil {
			return fmt.Errorf("listing %s: %w", input, err)
		}
		for _, file := range files {
			for _, split := range splitInputFile(file, d.config.SplitSize) {
				d.job.AddMapTask(split)
			}
		}
	}
	log.Debugf("Number of job input splits: %d", len(d.job.MapTasks()))
	return nil
}

func (d *Driver) planReduceTasks() error {
	keys := make(map[string]struct{})
	for _, runner := range d.completedMapRunners() {
		for _, key := range runner.Keys() {
			keys[key] = struct{}{}
		}
	}

	sorted := make([]string, 0, len(keys))
	for key := range keys {
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)

	for _, key := range sorted {
		if _, err := d.job.AddReduceTask(key); err != nil && !errors.Is(err, ErrDuplicateReduceTask) {
			return err
		}
	}
	log.Debugf("Number of reduce keys: %d", len(sorted))
	return nil
}

func (d *Driver) completedMapRunners() []*MapRunner {
	d.mu.Lock()
	defer d.mu.Unlock()
	runners := make([]*MapRunner, 0, len(d.mapRunners))
	for _, r := range d.mapRunners {
		if r != nil {
			runners = append(runners, r)
		}
	}
	return runners
}

func (d *Driver) runMapPhase(ctx context.Context) {
	tasks := d.job.MapTasks()
	if len(tasks) == 0 {
		log.Warnf("No input splits")
		return
	}

	d.mu.Lock()
	d.mapRunners = make([]*MapRunner, len(tasks))
	d.mu.Unlock()

	bar := pb.New(len(tasks)).Prefix("Map").Start()
	var wg sync.WaitGroup
	sem := semaphore.NewWeighted(int64(d.config.MaxConcurrency))
	for i, task := range tasks {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(idx int, t *MapTask) {
			defer wg.Done()
			defer sem.Release(1)
			defer bar.Increment()
			runner, err := d.AssignMapTask(ctx, t)
			if err != nil {
				log.Errorf("Error when running mapper %s: %s", t.Name(), err)
				return
			}
			d.mu.Lock()
			d.mapRunners[idx] = runner
			d.mu.Unlock()
		}(i, task)
	}
	wg.Wait()
	bar.Finish()
}

func (d *Driver) runReducePhase(ctx context.Context) {
	tasks := d.job.ReduceTasks()
	if len(tasks) == 0 {
		return
	}
	mapRunners := d.completedMapRunners()

	bar := pb.New(len(tasks)).Prefix("Reduce").Start()
	var wg sync.WaitGroup
	sem := semaphore.NewWeighted(int64(d.config.MaxConcurrency))
	for _, task := range tasks {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(t *ReduceTask) {
			defer wg.Done()
			defer sem.Release(1)
			defer bar.Increment()
			if err := d.AssignReduceTask(ctx, t, mapRunners); err != nil {
				log.Errorf("Error when running reducer %s: %s", t.Name(), err)
			}
		}(task)
	}
	wg.Wait()
	bar.Finish()
}

// AssignMapTask runs task on the next free agent. Transport failures move
// the task to another agent, up to maxAttempts times; a failing map function
// is final.
func (d *Driver) AssignMapTask(ctx context.Context, task *MapTask) (*MapRunner, error) {
	if d.pool == nil {
		return nil, ErrNoAgent
	}

	var lastErr error
	for attempt := 1; attempt <= d.config.MaxAttempts; attempt++ {
		agent, err := d.pool.acquire(ctx)
		if err != nil {
			lastErr = err
			break
		}

		runner := NewMapRunner(agent)
		runner.SetMaster(d.job)
		if err := runner.SetMapTask(task); err != nil {
			d.pool.release(agent)
			return nil, err
		}
		err = runner.RunMapTask(ctx)
		d.pool.release(agent)
		if err == nil {
			return runner, nil
		}
		if IsTaskError(err) {
			return nil, err
		}
		lastErr = err
		log.Warnf("map task %s failed on %s (attempt %d/%d), %+v", task.Name(), agent.ID(), attempt, d.config.MaxAttempts, err)
	}

	task.transition(TaskPending, TaskFailed)
	return nil, fmt.Errorf("map task %s abandoned: %w", task.Name(), lastErr)
}

// AssignReduceTask runs task on the next free agent, retrying transport
// failures like AssignMapTask.
func (d *Driver) AssignReduceTask(ctx context.Context, task *ReduceTask, mapRunners []*MapRunner) error {
	if d.pool == nil {
		return ErrNoAgent
	}

	var lastErr error
	for attempt := 1; attempt <= d.config.MaxAttempts; attempt++ {
		agent, err := d.pool.acquire(ctx)
		if err != nil {
			lastErr = err
			break
		}

		runner := NewReduceRunner(agent)
		runner.SetMaster(d.job)
		_ = runner.SetReduceTask(task)
		_ = runner.SetKey(task.Key)
		err = runner.RunReduceTask(ctx, mapRunners)
		d.pool.release(agent)
		if err == nil {
			return nil
		}
		if IsTaskError(err) || errors.Is(err, ErrMapPhaseIncomplete) {
			return err
		}
		lastErr = err
		log.Warnf("reduce task %s failed on %s (attempt %d/%d), %+v", task.Name(), agent.ID(), attempt, d.config.MaxAttempts, err)
	}

	task.transition(TaskPending, TaskFailed)
	return fmt.Errorf("reduce task %s abandoned: %w", task.Name(), lastErr)
}

var agentsFlag = flag.StringP("agents", "a", "", "Comma separated agent plugins [Thread,Socket,Android] - default Thread")
var workerFlag = flag.StringP("worker", "w", "", "Run as remote worker of the master at `address`")
var deviceFlag = flag.String("device", "", "Device descriptor sent when running as worker")
var clientIDFlag = flag.String("client-id", "", "Client id requested when running as worker")
var memprofile = flag.String("memprofile", "", "Write memory profile to `file`")
var verbose = flag.BoolP("verbose", "v", false, "Output verbose logs")

// Main starts the Driver. With --worker it serves tasks for a remote master,
// otherwise it runs the job over the inputs given as arguments and prints
// the results.
func (d *Driver) Main() {
	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		log.Debugf("failed to bind flags, %+v", err)
	}

	if viper.GetBool("verbose") || *verbose {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *workerFlag != "" {
		options := []WorkerOption{WithClientID(*clientIDFlag)}
		if *deviceFlag != "" {
			options = append(options, WithDevice(*deviceFlag))
		}
		w := NewWorker(d.job, *workerFlag, options...)
		if err := w.Connect(ctx); err != nil {
			log.Fatalf("failed to register with %s, %+v", *workerFlag, err)
		}
		defer w.Close()
		if err := w.Serve(ctx); err != nil {
			log.Fatalf("worker stopped, %+v", err)
		}
		return
	}

	d.config.Inputs = append(d.config.Inputs, flag.Args()...)

	err := d.Run(ctx)
	fmt.Printf("Job Execution Time: %s\n", d.Runtime)
	if err != nil {
		log.Errorf("job failed, %+v", err)
	}

	results := d.Results()
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s\t%s\n", k, results[k])
	}

	if *memprofile != "" {
		f, err := os.Create(*memprofile)
		if err != nil {
			log.Fatal("could not create memory profile: ", err)
		}
		runtime.GC() // get up-to-date statistics
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal("could not write memory profile: ", err)
		}
		f.Close()
	}
}
