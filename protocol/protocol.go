// Package protocol defines the messages exchanged between the kapsel host
// and the guest process running inside an isolated container.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Control payloads carried on the diagnostic mailbox.
const (
	// Alive must be the first frame the guest writes on the diagnostic mailbox.
	Alive     = "ALIVE"
	Heartbeat = "HEARTBEAT"
	Shutdown  = "SHUTDOWN"
)

// DiagnosticMailbox is the permanent mailbox index used for lifecycle
// signaling between host and guest.
const DiagnosticMailbox uint32 = 1

const (
	StartupTimeout           = 10 * time.Second
	DefaultCallTimeout       = 30 * time.Second
	DebugCallTimeout         = 10 * time.Minute
	DefaultHeartbeatInterval = 2 * time.Second
)

// Wire protocol names accepted in InitParams.Protocol.
const (
	ProtocolBond = "bond"
	ProtocolJSON = "json"
)

// Methods served by the host for the guest.
const (
	MethodLogWrite       = "log.write"
	MethodFSRead         = "fs.read"
	MethodFSWrite        = "fs.write"
	MethodFSExists       = "fs.exists"
	MethodFSDelete       = "fs.delete"
	MethodHTTPDo         = "http.do"
	MethodMetricsInstant = "metrics.instant"
)

// Methods served by the guest for the host.
const (
	MethodPluginLoad    = "plugin.load"
	MethodPluginList    = "plugin.list"
	MethodPluginExecute = "plugin.execute"
	MethodGuestPing     = "guest.ping"
)

// HostOnlyDimensions are stripped before dimensions are handed to a guest.
var HostOnlyDimensions = []string{"service_version"}

// DefaultMaxReadBytes is the default cap on remoted file reads.
const DefaultMaxReadBytes = 10 * 1024 * 1024 // 10 MB

// InitParamsEnv carries init params to guests that have no host stdin.
const InitParamsEnv = "KAPSEL_INIT_PARAMS"

var ErrInvalidParams = errors.New("invalid init params")

// IsAlive reports whether payload is exactly the ALIVE handshake.
func IsAlive(payload []byte) bool {
	return string(payload) == Alive
}

type Dimension struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// InitParams is everything a guest needs before it can open its transport.
// The host builds it once per start attempt and never mutates it afterwards.
type InitParams struct {
	ContainerName       string      `json:"container_name"`
	ContainerDir        string      `json:"container_dir"`
	BaseDir             string      `json:"base_dir"`
	ConnectionString    string      `json:"connection_string"`
	DiagnosticMailbox   uint32      `json:"diagnostic_mailbox"`
	DebugTimeouts       bool        `json:"debug_timeouts"`
	DedicatedThread     bool        `json:"dedicated_thread"`
	Protocol            string      `json:"protocol"`
	Dimensions          []Dimension `json:"dimensions,omitempty"`
	ParentPID           int         `json:"parent_pid,omitempty"`
	HeartbeatIntervalMs int         `json:"heartbeat_interval_ms,omitempty"`
	Plugins             []string    `json:"plugins,omitempty"`
}

func (p InitParams) Validate() error {
	if p.ContainerName == "" {
		return fmt.Errorf("%w: container_name is required", ErrInvalidParams)
	}
	if p.ConnectionString == "" {
		return fmt.Errorf("%w: connection_string is required", ErrInvalidParams)
	}
	if p.DiagnosticMailbox == 0 {
		return fmt.Errorf("%w: diagnostic_mailbox is required", ErrInvalidParams)
	}
	return nil
}

// CallTimeout is the dispatcher timeout the guest applies to its calls.
func (p InitParams) CallTimeout() time.Duration {
	if p.DebugTimeouts {
		return DebugCallTimeout
	}
	return DefaultCallTimeout
}

func (p InitParams) HeartbeatInterval() time.Duration {
	if p.HeartbeatIntervalMs <= 0 {
		return DefaultHeartbeatInterval
	}
	return time.Duration(p.HeartbeatIntervalMs) * time.Millisecond
}

// Encode renders params as a single JSON line.
func (p InitParams) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal init params: %w", err)
	}
	return append(data, '\n'), nil
}

func DecodeInitParams(data []byte) (InitParams, error) {
	var p InitParams
	if err := json.Unmarshal(data, &p); err != nil {
		return InitParams{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return p, p.Validate()
}

// GuestDimensions drops host-only keys (case-insensitive).
func GuestDimensions(dims []Dimension) []Dimension {
	out := make([]Dimension, 0, len(dims))
	for _, d := range dims {
		hostOnly := false
		for _, k := range HostOnlyDimensions {
			if strings.EqualFold(d.Key, k) {
				hostOnly = true
				break
			}
		}
		if !hostOnly {
			out = append(out, d)
		}
	}
	return out
}

// LogRecord is a guest log line forwarded to the host logger.
type LogRecord struct {
	Time    time.Time         `json:"time"`
	Level   int               `json:"level"`
	Message string            `json:"message"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

type FileRequest struct {
	Path     string `json:"path"`
	Data     []byte `json:"data,omitempty"`
	MaxBytes int    `json:"max_bytes,omitempty"`
}

type FileResponse struct {
	Data      []byte `json:"data,omitempty"`
	Exists    bool   `json:"exists,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

type HTTPRequest struct {
	Method string              `json:"method"`
	URL    string              `json:"url"`
	Header map[string][]string `json:"header,omitempty"`
	Body   []byte              `json:"body,omitempty"`
}

type HTTPResponse struct {
	StatusCode int                 `json:"status_code"`
	Header     map[string][]string `json:"header,omitempty"`
	Body       []byte              `json:"body,omitempty"`
}

type MetricInstant struct {
	Name       string      `json:"name"`
	Dimensions []Dimension `json:"dimensions,omitempty"`
}

type LoadRequest struct {
	Plugins []string `json:"plugins"`
}

type LoadResponse struct {
	Loaded []string `json:"loaded"`
}

type ExecuteRequest struct {
	Plugin string `json:"plugin"`
	Input  []byte `json:"input,omitempty"`
}

type ExecuteResponse struct {
	Output     []byte `json:"output,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

type PingResponse struct {
	ContainerName string `json:"container_name"`
	PID           int    `json:"pid"`
	UptimeMs      int64  `json:"uptime_ms"`
}
