package coragent

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// LoadAgentPlugins resolves the comma separated plugin names stored under key
// into fresh plugin instances, in configured order. An absent key yields no
// plugins and no error. Names are matched exactly.
func LoadAgentPlugins(conf *viper.Viper, key string) ([]AgentPlugin, error) {
	if conf == nil {
		return nil, ErrNoConfiguration
	}
	if !conf.IsSet(key) {
		log.Debugf("no agent plugins configured under %q", key)
		return nil, nil
	}

	raw, err := cast.ToStringE(conf.Get(key))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnusableConfiguration, key, err)
	}
	if strings.TrimSpace(raw) == "" {
		return nil, &PluginError{Plugin: key, Err: ErrEmptyPluginList}
	}

	names := strings.Split(raw, ",")
	plugins := make([]AgentPlugin, 0, len(names))
	for _, name := range names {
		factory, ok := lookupAgentPlugin(name)
		if !ok {
			return nil, &PluginError{Plugin: name, Err: ErrUnknownPlugin}
		}
		plugins = append(plugins, factory())
	}
	return plugins, nil
}

// StartAgentPlugins starts plugins in order. If one fails, the plugins
// started before it are stopped again and its error is returned.
func StartAgentPlugins(ctx context.Context, conf *viper.Viper, plugins []AgentPlugin) error {
	for i, p := range plugins {
		if err := ctx.Err(); err != nil {
			StopAgentPlugins(plugins[:i])
			return err
		}
		pc := &PluginContext{
			Config: conf,
			Log:    log.WithField("plugin", p.Name()),
		}
		if err := p.Start(pc); err != nil {
			StopAgentPlugins(plugins[:i])
			return err
		}
		pc.Log.Debug("started")
	}
	return nil
}

// StopAgentPlugins stops plugins in reverse order.
func StopAgentPlugins(plugins []AgentPlugin) {
	for i := len(plugins) - 1; i >= 0; i-- {
		if err := plugins[i].Stop(); err != nil {
			log.Warnf("failed to stop agent plugin %s, %+v", plugins[i].Name(), err)
		}
	}
}
