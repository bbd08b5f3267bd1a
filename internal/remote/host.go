package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"

	"github.com/p-arndt/kapsel/internal/rpc"
	"github.com/p-arndt/kapsel/protocol"
)

var ErrTruncated = errors.New("read truncated")

// DefaultMaxResponseBytes caps proxied HTTP response bodies.
const DefaultMaxResponseBytes = 32 << 20

// SinkMetrics receives instant metrics reported by guests.
type SinkMetrics struct {
	instants *prometheus.CounterVec
}

func NewSinkMetrics(reg prometheus.Registerer, namespace string) *SinkMetrics {
	if namespace == "" {
		namespace = "kapsel"
	}
	m := &SinkMetrics{
		instants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guest",
			Name:      "metric_instants_total",
			Help:      "Instant metrics reported by guests",
		}, []string{"container", "metric"}),
	}
	if reg != nil {
		reg.MustRegister(m.instants)
	}
	return m
}

// Instants returns the counter for one container's metric.
func (m *SinkMetrics) Instants(container, metric string) prometheus.Counter {
	return m.instants.WithLabelValues(container, metric)
}

// HostServices backs the calls a guest makes into the host.
type HostServices struct {
	Container string
	// Logger receives forwarded guest log records.
	Logger *slog.Logger
	// FS is the container directory. Paths are resolved inside it.
	FS afero.Fs
	// HTTP performs proxied requests. Defaults to a client with a 30s
	// timeout.
	HTTP             *http.Client
	Metrics          *SinkMetrics
	MaxResponseBytes int64
}

// NewContainerFS roots an OS file system at dir. Paths escaping dir fail
// as missing.
func NewContainerFS(dir string) afero.Fs {
	return afero.NewBasePathFs(afero.NewOsFs(), dir)
}

// Register installs the host service handlers on srv.
func (h *HostServices) Register(srv *rpc.Server) {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	if h.HTTP == nil {
		h.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	if h.MaxResponseBytes <= 0 {
		h.MaxResponseBytes = DefaultMaxResponseBytes
	}

	rpc.Register(srv, protocol.MethodLogWrite, h.logWrite)
	rpc.Register(srv, protocol.MethodMetricsInstant, h.metricsInstant)
	rpc.Register(srv, protocol.MethodHTTPDo, h.httpDo)
	if h.FS != nil {
		rpc.Register(srv, protocol.MethodFSRead, h.fsRead)
		rpc.Register(srv, protocol.MethodFSWrite, h.fsWrite)
		rpc.Register(srv, protocol.MethodFSExists, h.fsExists)
		rpc.Register(srv, protocol.MethodFSDelete, h.fsDelete)
	}
}

func (h *HostServices) logWrite(ctx context.Context, rec protocol.LogRecord) (struct{}, error) {
	attrs := make([]slog.Attr, 0, len(rec.Attrs)+1)
	attrs = append(attrs, slog.String("container", h.Container))
	for k, v := range rec.Attrs {
		attrs = append(attrs, slog.String(k, v))
	}
	h.Logger.LogAttrs(ctx, slog.Level(rec.Level), rec.Message, attrs...)
	return struct{}{}, nil
}

func (h *HostServices) metricsInstant(_ context.Context, m protocol.MetricInstant) (struct{}, error) {
	if m.Name == "" {
		return struct{}{}, errors.New("metric name is required")
	}
	if h.Metrics != nil {
		h.Metrics.instants.WithLabelValues(h.Container, m.Name).Inc()
	}
	h.Logger.Debug("guest metric", "container", h.Container, "metric", m.Name, "dimensions", m.Dimensions)
	return struct{}{}, nil
}

func (h *HostServices) httpDo(ctx context.Context, r protocol.HTTPRequest) (protocol.HTTPResponse, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, bytes.NewReader(r.Body))
	if err != nil {
		return protocol.HTTPResponse{}, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := h.HTTP.Do(req)
	if err != nil {
		return protocol.HTTPResponse{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, h.MaxResponseBytes))
	if err != nil {
		return protocol.HTTPResponse{}, fmt.Errorf("read response: %w", err)
	}
	return protocol.HTTPResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func (h *HostServices) fsRead(_ context.Context, r protocol.FileRequest) (protocol.FileResponse, error) {
	f, err := h.FS.Open(r.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return protocol.FileResponse{}, nil
	}
	if err != nil {
		return protocol.FileResponse{}, err
	}
	defer f.Close()

	limit := r.MaxBytes
	if limit <= 0 {
		limit = protocol.DefaultMaxReadBytes
	}
	data, err := io.ReadAll(io.LimitReader(f, int64(limit)+1))
	if err != nil {
		return protocol.FileResponse{}, err
	}
	resp := protocol.FileResponse{Exists: true, Data: data}
	if len(data) > limit {
		resp.Data = data[:limit]
		resp.Truncated = true
	}
	return resp, nil
}

func (h *HostServices) fsWrite(_ context.Context, r protocol.FileRequest) (protocol.FileResponse, error) {
	if err := afero.WriteFile(h.FS, r.Path, r.Data, 0o644); err != nil {
		return protocol.FileResponse{}, err
	}
	return protocol.FileResponse{Exists: true}, nil
}

func (h *HostServices) fsExists(_ context.Context, r protocol.FileRequest) (protocol.FileResponse, error) {
	ok, err := afero.Exists(h.FS, r.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return protocol.FileResponse{}, err
	}
	return protocol.FileResponse{Exists: ok}, nil
}

func (h *HostServices) fsDelete(_ context.Context, r protocol.FileRequest) (protocol.FileResponse, error) {
	err := h.FS.Remove(r.Path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return protocol.FileResponse{}, err
	}
	return protocol.FileResponse{}, nil
}
