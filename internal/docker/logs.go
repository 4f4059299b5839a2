package docker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// Log stream names as reported to LineCallback.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// LineCallback receives one demultiplexed log line at a time.
type LineCallback func(stream, line string)

// StreamLogs follows the container's output until the container stops or the
// context is cancelled. Docker multiplexes stdout and stderr over a single
// connection; the frames are demuxed and split into lines before hitting the
// callback. A cancelled context is a normal way to end streaming and is not
// reported as an error.
func (c *Client) StreamLogs(ctx context.Context, id string, onLine LineCallback) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	reader, err := c.inner.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	done := make(chan struct{}, 2)
	go scanLines(outR, StreamStdout, onLine, done)
	go scanLines(errR, StreamStderr, onLine, done)

	_, copyErr := stdcopy.StdCopy(outW, errW, reader)
	outW.Close()
	errW.Close()
	<-done
	<-done

	if copyErr != nil && !errors.Is(copyErr, context.Canceled) && !errors.Is(copyErr, io.EOF) {
		return fmt.Errorf("demux container logs: %w", copyErr)
	}
	return nil
}

func scanLines(r io.Reader, stream string, onLine LineCallback, done chan<- struct{}) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if onLine != nil {
			onLine(stream, scanner.Text())
		}
	}
	// drain so StdCopy never blocks on a full pipe
	_, _ = io.Copy(io.Discard, r)
	done <- struct{}{}
}
