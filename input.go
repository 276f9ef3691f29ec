package coragent

import (
	"bufio"
	"strings"

	"github.com/ISE-SMILE/coragent/internal/pkg/corfs"
	"github.com/ISE-SMILE/coragent/internal/pkg/corproto"
)

// inputSplit contains the information about a contiguous chunk of an input file.
// startOffset and endOffset are inclusive. A line belongs to the split its
// first byte falls into.
type inputSplit struct {
	Filename    string
	StartOffset int64
	EndOffset   int64
}

// Size returns the number of bytes that the inputSplit spans
func (i inputSplit) Size() int64 {
	return i.EndOffset - i.StartOffset + 1
}

func (i inputSplit) wire() *corproto.Split {
	return &corproto.Split{Filename: i.Filename, StartOffset: i.StartOffset, EndOffset: i.EndOffset}
}

func splitFromWire(s *corproto.Split) inputSplit {
	return inputSplit{Filename: s.Filename, StartOffset: s.StartOffset, EndOffset: s.EndOffset}
}

// splitInputFile calculates the inputSplits for an input file
func splitInputFile(file corfs.FileInfo, maxSplitSize int64) []inputSplit {
	splits := make([]inputSplit, 0)
	if file.Size == 0 {
		return splits
	}
	if maxSplitSize <= 0 {
		maxSplitSize = file.Size
	}

	for startOffset := int64(0); startOffset < file.Size; startOffset += maxSplitSize {
		endOffset := startOffset + maxSplitSize - 1
		if endOffset > file.Size-1 {
			endOffset = file.Size - 1
		}

		splits = append(splits, inputSplit{
			Filename:    file.Name,
			StartOffset: startOffset,
			EndOffset:   endOffset,
		})
	}

	return splits
}

// countingSplitFunc wraps a bufio.SplitFunc and keeps track of the number of bytes advanced.
func countingSplitFunc(split bufio.SplitFunc, bytesRead *int64) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (advance int, token []byte, err error) {
		adv, tok, err := split(data, atEOF)
		(*bytesRead) += int64(adv)
		return adv, tok, err
	}
}

// maxLineSize bounds a single input record.
const maxLineSize = 16 << 20

// readSplit calls fn for every record of split and returns the bytes consumed.
func readSplit(fs corfs.FileSystem, split inputSplit, fn func(record string) error) (int64, error) {
	offset := split.StartOffset
	if offset != 0 {
		offset--
	}

	inputSource, err := fs.OpenReader(split.Filename, offset)
	if err != nil {
		return 0, err
	}
	defer inputSource.Close()

	scanner := bufio.NewScanner(inputSource)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	var bytesRead int64
	scanner.Split(countingSplitFunc(bufio.ScanLines, &bytesRead))

	// the partial first line belongs to the previous split
	if split.StartOffset != 0 {
		scanner.Scan()
	}

	for offset+bytesRead <= split.EndOffset && scanner.Scan() {
		if err := fn(scanner.Text()); err != nil {
			return bytesRead, err
		}
	}

	return bytesRead, scanner.Err()
}

func splitInputRecord(record string) KeyValue {
	fields := strings.Split(record, "\t")
	if len(fields) == 2 {
		return KeyValue{
			Key:   fields[0],
			Value: fields[1],
		}
	}
	return KeyValue{
		Value: record,
	}
}
