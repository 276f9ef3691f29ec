package corcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/rand"
	"testing"

	"github.com/ISE-SMILE/coragent/internal/pkg/corfs"
	"github.com/stretchr/testify/assert"
)

func mockFile(size uint) []byte {
	buf := bytes.NewBuffer(make([]byte, 0))
	for i := uint(0); i < size; i++ {
		binary.Write(buf, binary.LittleEndian, rand.Int63())
	}
	return buf.Bytes()
}

// RunTestCacheSystem exercises any CacheSystem implementation.
func RunTestCacheSystem(t *testing.T, c CacheSystem) {
	defer c.Close()

	t.Run("clear", func(t *testing.T) { testClear(t, c) })
	t.Run("writer", func(t *testing.T) { testOpenWriter(t, c) })
	t.Run("list", func(t *testing.T) { testListFiles(t, c) })
	t.Run("stats", func(t *testing.T) { testStat(t, c) })
	t.Run("reader", func(t *testing.T) { testOpenReader(t, c) })
	t.Run("delete", func(t *testing.T) { testDelete(t, c) })
}

func prepare(t *testing.T, c CacheSystem, prefix string) CacheSystem {
	assert.NotNil(t, c)
	if err := c.Init(); err != nil {
		t.Fatalf("failed to init cache %+v", err)
	}
	if err := c.Clear(); err != nil {
		t.Fatalf("failed to clear cache %+v", err)
	}
	writeTo(t, c, prefix, "")
	return c
}

func writeTo(t *testing.T, c CacheSystem, prefix string, suffix string) [][]byte {
	files := make([][]byte, 0)
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("%stest%d%s", prefix, i, suffix)
		w, err := c.OpenWriter(name)
		assert.Nil(t, err)
		file := mockFile(5)
		files = append(files, file)
		n, err := w.Write(file)
		assert.Nil(t, err)
		assert.Equal(t, 5*8, n)
		if err := w.Close(); err != nil {
			t.Fatalf("failed to close file %s, %+v", name, err)
		}
	}
	return files
}

func testClear(t *testing.T, c CacheSystem) {
	c = prepare(t, c, "/")
	files, err := c.ListFiles("/*")
	assert.Nil(t, err)
	assert.EqualValues(t, 10, len(files))
	c.Clear()
	files, err = c.ListFiles("/*")
	assert.Nil(t, err)
	assert.EqualValues(t, 0, len(files))
}

func testOpenWriter(t *testing.T, c CacheSystem) {
	c = prepare(t, c, "/")

	w, err := c.OpenWriter("/new")
	assert.Nil(t, err)
	binary.Write(w, binary.LittleEndian, uint64(0xc0ffee))

	_, err = c.Stat("/new")
	assert.NotNil(t, err, "file must not be visible before close")

	w.Close()
	r, err := c.OpenReader("/new", 0)
	assert.Nil(t, err)
	var v uint64
	binary.Read(r, binary.LittleEndian, &v)
	assert.EqualValues(t, 0xc0ffee, v)
}

func testListFiles(t *testing.T, c CacheSystem) {
	c = prepare(t, c, "/")
	writeTo(t, c, "/glob/", ".mp4")
	writeTo(t, c, "/glob/", ".mp3")

	test := func(pattern string, expected int) []corfs.FileInfo {
		files, err := c.ListFiles(pattern)
		assert.Nil(t, err)
		assert.GreaterOrEqual(t, len(files), expected, pattern)
		return files
	}

	for _, file := range test("/*", 30) {
		assert.EqualValues(t, 5*8, file.Size)
	}
	test("/glob/*", 20)
	test("/glob/*.mp4", 10)
	test("/glob/*.mp3", 10)
}

func testStat(t *testing.T, c CacheSystem) {
	c = prepare(t, c, "/")

	s, err := c.Stat("/test0")
	assert.Nil(t, err)
	assert.Equal(t, corfs.FileInfo{Name: "/test0", Size: int64(5 * 8)}, s)

	_, err = c.Stat("/dose not exsist")
	assert.NotNil(t, err)
}

func testOpenReader(t *testing.T, c CacheSystem) {
	c = prepare(t, c, "/")
	w, err := c.OpenWriter("/testfile")
	assert.Nil(t, err)
	binary.Write(w, binary.LittleEndian, uint64(42))
	binary.Write(w, binary.LittleEndian, uint64(0xc0ffee))
	w.Close()

	r, err := c.OpenReader("/testfile", 0)
	assert.Nil(t, err)
	var v int64
	assert.Nil(t, binary.Read(r, binary.LittleEndian, &v))
	assert.EqualValues(t, 42, v)
	assert.Nil(t, binary.Read(r, binary.LittleEndian, &v))
	assert.EqualValues(t, 0xc0ffee, v)
	assert.NotNil(t, binary.Read(r, binary.LittleEndian, &v))
	r.Close()

	r, err = c.OpenReader("/testfile", 8)
	assert.Nil(t, err)
	assert.Nil(t, binary.Read(r, binary.LittleEndian, &v))
	assert.EqualValues(t, 0xc0ffee, v)
	r.Close()
}

func testDelete(t *testing.T, c CacheSystem) {
	c = prepare(t, c, "/")

	count := func(e int) {
		files, err := c.ListFiles("/*")
		assert.Nil(t, err)
		assert.EqualValues(t, e, len(files))
	}

	count(10)
	assert.Nil(t, c.Delete("/test0"))
	count(9)
	assert.NotNil(t, c.Delete("/foo"))
	count(9)
}
