// Package plugins holds the plugins shipped with the kapsel guest.
package plugins

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/p-arndt/kapsel/internal/guest"
)

// MaxShellOutput caps what the shell plugin returns.
const MaxShellOutput = 1 << 20

// Catalog returns the built-in plugins by name.
func Catalog() map[string]guest.Factory {
	return map[string]guest.Factory{
		"echo":   echo,
		"pid":    pid,
		"sleep":  sleep,
		"panic":  panicking,
		"metric": metric,
		"fetch":  fetch,
		"read":   readFile,
		"shell":  shell,
	}
}

func echo(guest.Env) (guest.Plugin, error) {
	return guest.PluginFunc(func(_ context.Context, in []byte) ([]byte, error) { return in, nil }), nil
}

func pid(guest.Env) (guest.Plugin, error) {
	return guest.PluginFunc(func(context.Context, []byte) ([]byte, error) {
		return []byte(fmt.Sprint(os.Getpid())), nil
	}), nil
}

// sleep waits for the duration given as input ("250ms", "2s").
func sleep(guest.Env) (guest.Plugin, error) {
	return guest.PluginFunc(func(ctx context.Context, in []byte) ([]byte, error) {
		d, err := time.ParseDuration(strings.TrimSpace(string(in)))
		if err != nil {
			return nil, fmt.Errorf("sleep: %w", err)
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return []byte(d.String()), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}), nil
}

func panicking(guest.Env) (guest.Plugin, error) {
	return guest.PluginFunc(func(_ context.Context, in []byte) ([]byte, error) {
		panic("panic plugin: " + string(in))
	}), nil
}

// metric reports the input as an instant metric name to the host.
func metric(env guest.Env) (guest.Plugin, error) {
	if env.Metrics == nil {
		return nil, errors.New("metric: no metric collector")
	}
	return guest.PluginFunc(func(ctx context.Context, in []byte) ([]byte, error) {
		name := strings.TrimSpace(string(in))
		if name == "" {
			return nil, errors.New("metric: name is required")
		}
		return nil, env.Metrics.Instant(ctx, name)
	}), nil
}

// fetch GETs the URL given as input through the host.
func fetch(env guest.Env) (guest.Plugin, error) {
	if env.HTTP == nil {
		return nil, errors.New("fetch: no http client")
	}
	return guest.PluginFunc(func(ctx context.Context, in []byte) ([]byte, error) {
		req, err := httpGet(ctx, strings.TrimSpace(string(in)))
		if err != nil {
			return nil, err
		}
		resp, err := env.HTTP.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("fetch: %s", resp.Status)
		}
		return io.ReadAll(resp.Body)
	}), nil
}

// readFile reads a path relative to the container directory through the host.
func readFile(env guest.Env) (guest.Plugin, error) {
	if env.Files == nil {
		return nil, errors.New("read: no file system")
	}
	return guest.PluginFunc(func(ctx context.Context, in []byte) ([]byte, error) {
		return env.Files.ReadFile(ctx, strings.TrimSpace(string(in)))
	}), nil
}

// shell runs the input with /bin/sh -c under a pseudo terminal in the
// container directory and returns what the terminal printed.
func shell(env guest.Env) (guest.Plugin, error) {
	sh := "/bin/sh"
	if _, err := os.Stat(sh); err != nil {
		return nil, fmt.Errorf("shell: %w", err)
	}
	return guest.PluginFunc(func(ctx context.Context, in []byte) ([]byte, error) {
		cmd := exec.CommandContext(ctx, sh, "-c", string(in))
		cmd.Dir = env.Dir
		cmd.Env = append(os.Environ(), "TERM=dumb", "HISTFILE=")

		ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 40, Cols: 120})
		if err != nil {
			return nil, fmt.Errorf("pty start: %w", err)
		}
		defer ptmx.Close()

		var out bytes.Buffer
		_, rerr := io.Copy(&out, io.LimitReader(ptmx, MaxShellOutput))
		// The pty master reads EIO once the child side is closed.
		if (rerr != nil && !errors.Is(rerr, syscall.EIO)) || out.Len() >= MaxShellOutput {
			_ = cmd.Process.Kill()
		}
		werr := cmd.Wait()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if werr != nil {
			return out.Bytes(), fmt.Errorf("shell: %w", werr)
		}
		return out.Bytes(), nil
	}), nil
}
