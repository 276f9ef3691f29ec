package corcache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewLocalInMemoryProvider(t *testing.T) {
	local := NewLocalInMemoryProvider(100 * 64)

	assert.EqualValues(t, 100*64, local.maxSize)
	assert.Zero(t, local.size)
	assert.NotNil(t, local.pool)
}

func TestLocalInMemoryProvider(t *testing.T) {
	RunTestCacheSystem(t, NewLocalInMemoryProvider(100*64))
}

func TestLocalCache_WriteToMuch(t *testing.T) {
	local := NewLocalInMemoryProvider(10*5*8 + 1)
	local.Init()

	writeTo(t, local, "/", "")

	w, err := local.OpenWriter("/test_test")
	assert.Nil(t, err)

	_, err = w.Write(make([]byte, 200))
	assert.NotNil(t, err)
}

func TestLocalCache_SizeAccounting(t *testing.T) {
	local := NewLocalInMemoryProvider(0)
	writeTo(t, local, "/", "")
	assert.EqualValues(t, 10*5*8, local.size)

	writeTo(t, local, "/", "")
	assert.EqualValues(t, 10*5*8, local.size, "overwrites replace the old size")

	assert.Nil(t, local.Delete("/test0"))
	assert.EqualValues(t, 9*5*8, local.size)
}

func TestLocalCache_ConcurrentWriters(t *testing.T) {
	local := NewLocalInMemoryProvider(0)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w, err := local.OpenWriter(fmt.Sprintf("map-%d", i))
			assert.Nil(t, err)
			w.Write([]byte("payload"))
			assert.Nil(t, w.Close())
		}(i)
	}
	wg.Wait()

	files, err := local.ListFiles("map-*")
	assert.Nil(t, err)
	assert.Len(t, files, 50)
}

func TestLocalCache_Close(t *testing.T) {
	local := NewLocalInMemoryProvider(100 * 64)
	writeTo(t, local, "/", "")
	assert.Nil(t, local.Close())
	assert.Nil(t, local.pool)

	_, err := local.ListFiles("/*")
	assert.NotNil(t, err)
	_, err = local.OpenReader("/", 0)
	assert.NotNil(t, err)
	_, err = local.OpenWriter("/")
	assert.NotNil(t, err)
	assert.NotNil(t, local.Delete("/"))
	_, err = local.Stat("/")
	assert.NotNil(t, err)

	assert.Nil(t, local.Init())
	_, err = local.ListFiles("/*")
	assert.Nil(t, err)
}
