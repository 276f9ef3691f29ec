package coragent

import (
	"io"
	"os"
	"runtime"

	"github.com/google/uuid"
)

func randomName() string {
	return uuid.New().String()[:8]
}

// hostID identifies the machine a task ran on in the activation log.
func hostID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "local"
	}
	return host
}

// deviceDescriptor describes the platform a worker runs on.
func deviceDescriptor() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
