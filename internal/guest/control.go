package guest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/p-arndt/kapsel/protocol"
)

// ExitCommand on the control stream asks the guest to shut down.
const ExitCommand = "EXIT"

// ReadInitParams reads the first line of the control stream.
func ReadInitParams(r *bufio.Reader) (protocol.InitParams, error) {
	line, err := r.ReadBytes('\n')
	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return protocol.InitParams{}, fmt.Errorf("read init params: %w", err)
	}
	return protocol.DecodeInitParams(line)
}

// WatchControl returns a channel closed when the control stream carries
// EXIT or ends.
func WatchControl(r *bufio.Reader) <-chan struct{} {
	exit := make(chan struct{})
	go func() {
		defer close(exit)
		for {
			line, err := r.ReadString('\n')
			if strings.TrimSpace(line) == ExitCommand {
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return exit
}

// WatchParent returns a channel closed once this process is no longer a
// child of pid. A zero pid is never watched.
func WatchParent(ctx context.Context, pid int, interval time.Duration) <-chan struct{} {
	return watchParent(ctx, pid, interval, os.Getppid)
}

func watchParent(ctx context.Context, pid int, interval time.Duration, getppid func() int) <-chan struct{} {
	gone := make(chan struct{})
	if pid == 0 {
		return gone
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if getppid() != pid {
				close(gone)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return gone
}
