package corcache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strconv"
	"strings"

	"github.com/ISE-SMILE/coragent/internal/pkg/corfs"
	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// ClientConfig describes how to reach a redis deployment.
type ClientConfig struct {
	Addrs          []string
	DB             int
	User           string
	password       string
	RouteByLatency bool
	RouteRandomly  bool
}

func (rc *ClientConfig) asOptions() *redis.UniversalOptions {
	return &redis.UniversalOptions{
		Addrs:          rc.Addrs,
		DB:             rc.DB,
		Username:       rc.User,
		Password:       rc.password,
		RouteByLatency: rc.RouteByLatency,
		RouteRandomly:  rc.RouteRandomly,
	}
}

// RedisBackedCache stores intermediate files as redis strings so that they
// outlive the master process and can be shared between masters.
type RedisBackedCache struct {
	Client redis.UniversalClient
	Config *ClientConfig
}

// NewRedisBackedCache creates a cache for the given config. A nil config is
// resolved from viper and the environment on Init.
func NewRedisBackedCache(conf *ClientConfig) *RedisBackedCache {
	return &RedisBackedCache{Config: conf}
}

// configFromEnvironment reads redisAddrs/redisDB/redisUser/redisPassword
// with REDIS_ADDRS/REDIS_DB/REDIS_USER/REDIS_SECRET as fallback.
func configFromEnvironment() (*ClientConfig, error) {
	lookup := func(key, env string) string {
		if viper.IsSet(key) {
			return viper.GetString(key)
		}
		return os.Getenv(env)
	}

	conf := &ClientConfig{}
	addrs := lookup("redisAddrs", "REDIS_ADDRS")
	if addrs == "" {
		return nil, fmt.Errorf("missing client config and REDIS_ADDRS not set in enviroment")
	}
	conf.Addrs = strings.Split(addrs, ";")

	if db := lookup("redisDB", "REDIS_DB"); db != "" {
		dbp, err := strconv.ParseInt(db, 10, 32)
		if err != nil {
			return nil, err
		}
		conf.DB = int(dbp)
	}

	conf.User = lookup("redisUser", "REDIS_USER")
	conf.password = lookup("redisPassword", "REDIS_SECRET")

	if m := os.Getenv("REDIS_MODE"); m != "" {
		if mode, err := strconv.ParseInt(m, 10, 32); err == nil {
			conf.RouteByLatency = mode&2 == 2
			conf.RouteRandomly = mode&1 == 1
		}
	}
	return conf, nil
}

func (r *RedisBackedCache) Init() error {
	if r.Client != nil {
		log.Debug("init redis cache that was already initialized")
		return nil
	}

	if r.Config == nil {
		conf, err := configFromEnvironment()
		if err != nil {
			return err
		}
		r.Config = conf
	}

	r.Client = redis.NewUniversalClient(r.Config.asOptions())
	_, err := r.Client.Ping(context.Background()).Result()
	return err
}

func (r *RedisBackedCache) ListFiles(pathGlob string) ([]corfs.FileInfo, error) {
	ctx := context.Background()
	results := make([]corfs.FileInfo, 0)
	iter := r.Client.Scan(ctx, 0, pathGlob, 0).Iterator()
	for iter.Next(ctx) {
		s, err := r.Stat(iter.Val())
		if err != nil {
			return nil, err
		}
		results = append(results, s)
	}
	return results, iter.Err()
}

func (r *RedisBackedCache) Stat(filePath string) (corfs.FileInfo, error) {
	ctx := context.Background()
	exists, err := r.Client.Exists(ctx, filePath).Result()
	if err != nil {
		return corfs.FileInfo{}, err
	}
	if exists == 0 {
		return corfs.FileInfo{}, fmt.Errorf("file %s dose not exsist", filePath)
	}

	size, err := r.Client.StrLen(ctx, filePath).Result()
	if err != nil {
		return corfs.FileInfo{}, err
	}
	return corfs.FileInfo{Name: filePath, Size: size}, nil
}

func (r *RedisBackedCache) OpenReader(filePath string, startAt int64) (io.ReadCloser, error) {
	buf, err := r.Client.Get(context.Background(), filePath).Bytes()
	if err != nil {
		return nil, err
	}
	if startAt > int64(len(buf)) {
		startAt = int64(len(buf))
	}
	return ioutil.NopCloser(bytes.NewReader(buf[startAt:])), nil
}

// bufferedRedisWriter collects all writes and stores them on Close.
type bufferedRedisWriter struct {
	*bytes.Buffer
	key    string
	client redis.UniversalClient
}

func (b *bufferedRedisWriter) Close() error {
	msg, err := b.client.Set(context.Background(), b.key, b.Bytes(), 0).Result()
	log.Debug(msg)
	return err
}

func (r *RedisBackedCache) OpenWriter(filePath string) (io.WriteCloser, error) {
	return &bufferedRedisWriter{
		Buffer: &bytes.Buffer{},
		key:    filePath,
		client: r.Client,
	}, nil
}

func (r *RedisBackedCache) Delete(filePath string) error {
	d, err := r.Client.Del(context.Background(), filePath).Result()
	if err != nil {
		return err
	}
	if d <= 0 {
		return fmt.Errorf("file %s dose not exist", filePath)
	}
	return nil
}

func (r *RedisBackedCache) Join(elem ...string) string {
	return strings.Join(elem, "/")
}

func (r *RedisBackedCache) Clear() error {
	ctx := context.Background()
	iter := r.Client.Scan(ctx, 0, "*", 0).Iterator()
	keys := make([]string, 0)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(keys) > 0 {
		return r.Client.Del(ctx, keys...).Err()
	}
	return nil
}

func (r *RedisBackedCache) Close() error {
	if r.Client == nil {
		return nil
	}
	err := r.Client.Close()
	r.Client = nil
	return err
}
