// Package remote carries the host services a guest uses (logging, files,
// HTTP, metrics) across the post office. Guest-side types are thin proxies
// over an rpc.Dispatcher; host-side handlers are registered on an
// rpc.Server.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/p-arndt/kapsel/internal/rpc"
	"github.com/p-arndt/kapsel/protocol"
)

// LogHandler is a slog.Handler that forwards records to the host logger.
type LogHandler struct {
	d     *rpc.Dispatcher
	level slog.Leveler
	attrs map[string]string
	group string
}

func NewLogHandler(d *rpc.Dispatcher, level slog.Leveler) *LogHandler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &LogHandler{d: d, level: level}
}

func (h *LogHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	rec := protocol.LogRecord{
		Time:    r.Time,
		Level:   int(r.Level),
		Message: r.Message,
		Attrs:   make(map[string]string, len(h.attrs)+r.NumAttrs()),
	}
	for k, v := range h.attrs {
		rec.Attrs[k] = v
	}
	r.Attrs(func(a slog.Attr) bool {
		flatten(rec.Attrs, h.group, a)
		return true
	})
	args, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return h.d.Notify(ctx, protocol.MethodLogWrite, args)
}

func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make(map[string]string, len(h.attrs)+len(attrs))
	for k, v := range h.attrs {
		next.attrs[k] = v
	}
	for _, a := range attrs {
		flatten(next.attrs, h.group, a)
	}
	return &next
}

func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.group = joinKey(h.group, name)
	return &next
}

func flatten(dst map[string]string, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = joinKey(prefix, a.Key)
		}
		for _, ga := range v.Group() {
			flatten(dst, p, ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	dst[joinKey(prefix, a.Key)] = v.String()
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// FileSystem reads and writes files in the container directory on the host.
type FileSystem struct {
	d *rpc.Dispatcher
	// MaxReadBytes caps reads. Zero means protocol.DefaultMaxReadBytes.
	MaxReadBytes int
}

func NewFileSystem(d *rpc.Dispatcher) *FileSystem {
	return &FileSystem{d: d}
}

// ReadFile returns fs.ErrNotExist when the file is missing. A read cut at
// MaxReadBytes returns the prefix and ErrTruncated.
func (f *FileSystem) ReadFile(ctx context.Context, path string) ([]byte, error) {
	limit := f.MaxReadBytes
	if limit <= 0 {
		limit = protocol.DefaultMaxReadBytes
	}
	resp, err := rpc.Call[protocol.FileRequest, protocol.FileResponse](ctx, f.d, protocol.MethodFSRead,
		protocol.FileRequest{Path: path, MaxBytes: limit})
	if err != nil {
		return nil, err
	}
	if !resp.Exists {
		return nil, &fs.PathError{Op: "read", Path: path, Err: fs.ErrNotExist}
	}
	if resp.Truncated {
		return resp.Data, fmt.Errorf("read %s: %w", path, ErrTruncated)
	}
	return resp.Data, nil
}

func (f *FileSystem) WriteFile(ctx context.Context, path string, data []byte) error {
	_, err := rpc.Call[protocol.FileRequest, protocol.FileResponse](ctx, f.d, protocol.MethodFSWrite,
		protocol.FileRequest{Path: path, Data: data})
	return err
}

func (f *FileSystem) Exists(ctx context.Context, path string) (bool, error) {
	resp, err := rpc.Call[protocol.FileRequest, protocol.FileResponse](ctx, f.d, protocol.MethodFSExists,
		protocol.FileRequest{Path: path})
	if err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// Remove deletes path. Removing a missing file is not an error.
func (f *FileSystem) Remove(ctx context.Context, path string) error {
	_, err := rpc.Call[protocol.FileRequest, protocol.FileResponse](ctx, f.d, protocol.MethodFSDelete,
		protocol.FileRequest{Path: path})
	return err
}

// RoundTripper sends HTTP requests through the host.
type RoundTripper struct {
	d *rpc.Dispatcher
}

var _ http.RoundTripper = (*RoundTripper)(nil)

func NewRoundTripper(d *rpc.Dispatcher) *RoundTripper {
	return &RoundTripper{d: d}
}

// NewHTTPClient returns a client whose requests are made by the host.
func NewHTTPClient(d *rpc.Dispatcher) *http.Client {
	return &http.Client{Transport: NewRoundTripper(d)}
}

func (rt *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}
	resp, err := rpc.Call[protocol.HTTPRequest, protocol.HTTPResponse](req.Context(), rt.d, protocol.MethodHTTPDo,
		protocol.HTTPRequest{
			Method: req.Method,
			URL:    req.URL.String(),
			Header: req.Header,
			Body:   body,
		})
	if err != nil {
		return nil, err
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		StatusCode:    resp.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header(resp.Header),
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       req,
	}, nil
}

// ErrCollectorClosed is returned by a MetricCollector after Close.
var ErrCollectorClosed = errors.New("metric collector closed")

// MetricCollector reports instant metrics to the host sink. Dimensions
// given at construction are attached to every metric.
type MetricCollector struct {
	d      *rpc.Dispatcher
	dims   []protocol.Dimension
	closed atomic.Bool
}

func NewMetricCollector(d *rpc.Dispatcher, dims []protocol.Dimension) *MetricCollector {
	return &MetricCollector{d: d, dims: slices.Clone(dims)}
}

func (m *MetricCollector) Instant(ctx context.Context, name string, dims ...protocol.Dimension) error {
	if m.closed.Load() {
		return ErrCollectorClosed
	}
	args, err := json.Marshal(protocol.MetricInstant{
		Name:       name,
		Dimensions: append(slices.Clone(m.dims), dims...),
	})
	if err != nil {
		return err
	}
	return m.d.Notify(ctx, protocol.MethodMetricsInstant, args)
}

// InstantTimeout is Instant bounded by timeout, for callers without a
// context such as panic hooks.
func (m *MetricCollector) InstantTimeout(timeout time.Duration, name string, dims ...protocol.Dimension) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return m.Instant(ctx, name, dims...)
}

// Close stops the collector from sending. It does not close the dispatcher,
// which the caller owns, and is safe to call more than once.
func (m *MetricCollector) Close() error {
	m.closed.Store(true)
	return nil
}
