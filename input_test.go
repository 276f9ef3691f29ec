package coragent

import (
	"strings"
	"testing"

	"github.com/ISE-SMILE/coragent/internal/pkg/corfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitInputFile(t *testing.T) {
	tests := []struct {
		size      int64
		splitSize int64
		expected  []inputSplit
	}{
		{0, 10, []inputSplit{}},
		{10, 10, []inputSplit{{"f", 0, 9}}},
		{10, 0, []inputSplit{{"f", 0, 9}}},
		{25, 10, []inputSplit{{"f", 0, 9}, {"f", 10, 19}, {"f", 20, 24}}},
	}

	for _, test := range tests {
		splits := splitInputFile(corfs.FileInfo{Name: "f", Size: test.size}, test.splitSize)
		assert.Equal(t, test.expected, splits)

		var total int64
		for _, s := range splits {
			total += s.Size()
		}
		assert.Equal(t, test.size, total)
	}
}

func TestReadSplit_EveryLineOnce(t *testing.T) {
	lines := []string{"alpha", "beta", "gamma delta", "", "epsilon", "zeta eta theta", "iota"}
	path := writeInput(t, t.TempDir(), "input.txt", lines...)

	fs := &corfs.LocalFileSystem{}
	info, err := fs.Stat(path)
	require.NoError(t, err)

	for splitSize := int64(1); splitSize <= info.Size; splitSize++ {
		seen := make([]string, 0)
		for _, split := range splitInputFile(info, splitSize) {
			_, err := readSplit(fs, split, func(record string) error {
				seen = append(seen, record)
				return nil
			})
			require.NoError(t, err)
		}
		assert.Equal(t, lines, seen, "split size %d", splitSize)
	}
}

func TestReadSplit_StopsOnError(t *testing.T) {
	path := writeInput(t, t.TempDir(), "input.txt", "a", "b", "c")
	fs := &corfs.LocalFileSystem{}

	count := 0
	_, err := readSplit(fs, inputSplit{Filename: path, StartOffset: 0, EndOffset: 5}, func(record string) error {
		count++
		if strings.TrimSpace(record) == "b" {
			return assert.AnError
		}
		return nil
	})
	assert.Equal(t, assert.AnError, err)
	assert.Equal(t, 2, count)
}

func TestReadSplit_LongRecords(t *testing.T) {
	long := strings.Repeat("x", 1<<20)
	path := writeInput(t, t.TempDir(), "input.txt", long, "short")
	fs := &corfs.LocalFileSystem{}
	info, err := fs.Stat(path)
	require.NoError(t, err)

	seen := make([]int, 0)
	_, err = readSplit(fs, inputSplit{Filename: path, EndOffset: info.Size - 1}, func(record string) error {
		seen = append(seen, len(record))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1 << 20, 5}, seen)
}
