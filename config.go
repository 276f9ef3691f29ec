package coragent

import (
	"runtime"
	"time"

	"github.com/ISE-SMILE/coragent/internal/pkg/corproto"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

func loadConfig() {
	viper.SetConfigName("coragentrc")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.coragent")

	setupDefaults()

	err := viper.ReadInConfig()
	if err != nil {
		log.Debugf("Config Read %+v", err)
	}

	viper.SetEnvPrefix("coragent")
	viper.AutomaticEnv()
}

func setupDefaults() {
	defaultSettings := map[string]interface{}{
		"agents":           "Thread",
		"threadPoolSize":   runtime.NumCPU(),
		"socketAddress":    ":7070",
		"androidAddress":   ":7071",
		"protocolVersion":  corproto.Version,
		"handshakeTimeout": 10 * time.Second,
		"taskTimeout":      5 * time.Minute,
		"agentWaitTimeout": 30 * time.Second,
		"maxAttempts":      3,
		"verbose":          false,
		"splitSize":        100 * 1024 * 1024, // Default input split size is 100Mb
		"maxConcurrency":   500,               // Maximum number of concurrent task dispatches
		"logName":          "activations",

		"cache": 1, //coresponse to corcache.CacheSystemType (0 - NoCache, 1 - Local, 2 - Redis)

		"cacheSize": uint64(512 * 1024 * 1024), //corosponse to corcache.Local
	}
	for key, value := range defaultSettings {
		viper.SetDefault(key, value)
	}

	aliases := map[string]string{
		"verbose": "v",
		"agents":  "a",
	}
	for key, alias := range aliases {
		viper.RegisterAlias(alias, key)
	}
}
