package corcache

import (
	"fmt"

	"github.com/ISE-SMILE/coragent/internal/pkg/corfs"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// CacheSystemType is an identifier for supported CacheSystems
type CacheSystemType int

// Identifiers for supported CacheSystemTypes
const (
	NoCache CacheSystemType = iota
	Local
	Redis
)

func (t CacheSystemType) String() string {
	switch t {
	case NoCache:
		return "none"
	case Local:
		return "local"
	case Redis:
		return "redis"
	default:
		return fmt.Sprintf("CacheSystemType(%d)", int(t))
	}
}

// CacheSystem represents an ephemeral file system holding the intermediate
// pairs between the map and reduce phases.
type CacheSystem interface {
	corfs.FileSystem

	// Clear drops every stored file.
	Clear() error
	// Close releases the underlying resources.
	Close() error
}

// NewCacheSystem intializes a CacheSystem of the given type
func NewCacheSystem(csType CacheSystemType) (CacheSystem, error) {
	var cs CacheSystem
	switch csType {
	case NoCache:
		log.Info("No CacheSystem availible, using in-memory fallback")
		cs = NewLocalInMemoryProvider(viper.GetUint64("cacheSize"))
	case Local:
		cs = NewLocalInMemoryProvider(viper.GetUint64("cacheSize"))
	case Redis:
		cs = NewRedisBackedCache(nil)
	default:
		return nil, fmt.Errorf("unknown cache type or not yet implemented %d", csType)
	}

	if err := cs.Init(); err != nil {
		log.Debugf("failed to init %s cache, %+v", csType, err)
		return nil, err
	}
	return cs, nil
}

// CacheSystemTypes returns the type of a given CacheSystem.
func CacheSystemTypes(cs CacheSystem) CacheSystemType {
	switch cs.(type) {
	case *LocalCache:
		return Local
	case *RedisBackedCache:
		return Redis
	default:
		return NoCache
	}
}
