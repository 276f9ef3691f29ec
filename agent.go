package coragent

import (
	"context"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Agent executes map and reduce functions on behalf of the master. Agents
// run one task at a time.
type Agent interface {
	ID() string
	RunMapper(ctx context.Context, job *Job, task *MapTask) ([]KeyValue, error)
	RunReducer(ctx context.Context, job *Job, task *ReduceTask, values []string) (string, error)
	// Alive is false once the agent can no longer accept tasks.
	Alive() bool
}

// AgentPlugin supplies agents over one transport.
type AgentPlugin interface {
	Name() string
	Start(pc *PluginContext) error
	Stop() error
	// Agents yields agents as they become available. The channel is closed
	// once the plugin is stopped.
	Agents() <-chan Agent
}

// PluginContext carries the collaborators a plugin may use while running.
type PluginContext struct {
	Config *viper.Viper
	Log    *log.Entry
}

func (pc *PluginContext) config() *viper.Viper {
	if pc == nil || pc.Config == nil {
		return viper.GetViper()
	}
	return pc.Config
}

func (pc *PluginContext) logger(name string) *log.Entry {
	if pc == nil || pc.Log == nil {
		return log.WithField("plugin", name)
	}
	return pc.Log
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() AgentPlugin{
		"Thread":  func() AgentPlugin { return NewThreadAgentPlugin() },
		"Socket":  func() AgentPlugin { return NewSocketAgentPlugin() },
		"Android": func() AgentPlugin { return NewAndroidAgentPlugin() },
	}
)

// RegisterAgentPlugin makes a plugin available to LoadAgentPlugins under
// name. Registering an existing name replaces it.
func RegisterAgentPlugin(name string, factory func() AgentPlugin) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// AgentPlugins lists the registered plugin names.
func AgentPlugins() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupAgentPlugin(name string) (func() AgentPlugin, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	factory, ok := registry[name]
	return factory, ok
}
