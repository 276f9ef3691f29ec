package coragent

import (
	"context"
	"errors"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockPlugin records Start and Stop calls.
type mockPlugin struct {
	name     string
	startErr error
	log      *[]string
	agents   chan Agent
}

func (p *mockPlugin) Name() string { return p.name }

func (p *mockPlugin) Start(pc *PluginContext) error {
	*p.log = append(*p.log, "start "+p.name)
	return p.startErr
}

func (p *mockPlugin) Stop() error {
	*p.log = append(*p.log, "stop "+p.name)
	return nil
}

func (p *mockPlugin) Agents() <-chan Agent { return p.agents }

func TestLoadAgentPlugins(t *testing.T) {
	conf := viper.New()
	conf.Set("agents", "Thread,Socket,Thread")

	plugins, err := LoadAgentPlugins(conf, "agents")
	require.NoError(t, err)
	require.Len(t, plugins, 3)
	assert.Equal(t, "Thread", plugins[0].Name())
	assert.Equal(t, "Socket", plugins[1].Name())
	assert.Equal(t, "Thread", plugins[2].Name())
	// every entry gets its own instance
	assert.NotSame(t, plugins[0], plugins[2])
}

func TestLoadAgentPlugins_Android(t *testing.T) {
	conf := viper.New()
	conf.Set("agents", "Android")

	plugins, err := LoadAgentPlugins(conf, "agents")
	require.NoError(t, err)
	require.Len(t, plugins, 1)
	assert.Equal(t, "Android", plugins[0].Name())
}

func TestLoadAgentPlugins_Absent(t *testing.T) {
	plugins, err := LoadAgentPlugins(viper.New(), "agents")
	assert.NoError(t, err)
	assert.Empty(t, plugins)
}

func TestLoadAgentPlugins_NoConfiguration(t *testing.T) {
	_, err := LoadAgentPlugins(nil, "agents")
	assert.Equal(t, ErrNoConfiguration, err)

	var pluginErr *PluginError
	assert.False(t, errors.As(err, &pluginErr))
}

func TestLoadAgentPlugins_Errors(t *testing.T) {
	tests := []struct {
		name      string
		value     interface{}
		sentinel  error
		plugin    string
		pluginErr bool
	}{
		{"blank", "", ErrEmptyPluginList, "agents", true},
		{"whitespace", "   ", ErrEmptyPluginList, "agents", true},
		{"unknown", "Thread,Carrier", ErrUnknownPlugin, "Carrier", true},
		{"case sensitive", "thread", ErrUnknownPlugin, "thread", true},
		{"padded name", "Thread, Socket", ErrUnknownPlugin, " Socket", true},
		{"unusable", []string{"Thread"}, ErrUnusableConfiguration, "", false},
		{"map", map[string]interface{}{"a": 1}, ErrUnusableConfiguration, "", false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			conf := viper.New()
			conf.Set("agents", test.value)

			plugins, err := LoadAgentPlugins(conf, "agents")
			assert.Nil(t, plugins)
			assert.True(t, errors.Is(err, test.sentinel), "got %v", err)

			var pluginErr *PluginError
			assert.Equal(t, test.pluginErr, errors.As(err, &pluginErr))
			if test.pluginErr {
				assert.Equal(t, test.plugin, pluginErr.Plugin)
			}
		})
	}
}

func TestRegisterAgentPlugin(t *testing.T) {
	var calls []string
	RegisterAgentPlugin("Mock", func() AgentPlugin {
		return &mockPlugin{name: "Mock", log: &calls}
	})
	assert.Contains(t, AgentPlugins(), "Mock")

	conf := viper.New()
	conf.Set("agents", "Mock")
	plugins, err := LoadAgentPlugins(conf, "agents")
	require.NoError(t, err)
	require.Len(t, plugins, 1)
	assert.Equal(t, "Mock", plugins[0].Name())
}

func TestStartAgentPlugins_Rollback(t *testing.T) {
	var calls []string
	failure := &PluginError{Plugin: "c", Err: ErrPluginStart}
	plugins := []AgentPlugin{
		&mockPlugin{name: "a", log: &calls},
		&mockPlugin{name: "b", log: &calls},
		&mockPlugin{name: "c", log: &calls, startErr: failure},
		&mockPlugin{name: "d", log: &calls},
	}

	err := StartAgentPlugins(context.Background(), viper.New(), plugins)
	assert.Equal(t, failure, err)
	assert.Equal(t, []string{"start a", "start b", "start c", "stop b", "stop a"}, calls)
}

func TestStopAgentPlugins_ReverseOrder(t *testing.T) {
	var calls []string
	plugins := []AgentPlugin{
		&mockPlugin{name: "a", log: &calls},
		&mockPlugin{name: "b", log: &calls},
	}

	require.NoError(t, StartAgentPlugins(context.Background(), viper.New(), plugins))
	StopAgentPlugins(plugins)
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, calls)
}
