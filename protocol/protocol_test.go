package protocol

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validParams() InitParams {
	return InitParams{
		ContainerName:     "pkg-abc",
		ContainerDir:      "/tmp/kapsel/pkg-abc",
		ConnectionString:  "mem://pkg-abc",
		DiagnosticMailbox: DiagnosticMailbox,
		Protocol:          ProtocolJSON,
	}
}

func TestAliveIsFiveASCIIBytes(t *testing.T) {
	assert.Equal(t, []byte{'A', 'L', 'I', 'V', 'E'}, []byte(Alive))
	assert.True(t, IsAlive([]byte("ALIVE")))
	assert.False(t, IsAlive([]byte("alive")))
	assert.False(t, IsAlive([]byte("ALIVE\n")))
}

func TestInitParamsEncodeIsSingleLine(t *testing.T) {
	data, err := validParams().Encode()
	require.NoError(t, err)

	assert.Equal(t, byte('\n'), data[len(data)-1])
	assert.Equal(t, 1, bytes.Count(data, []byte("\n")))

	decoded, err := DecodeInitParams(bytes.TrimSpace(data))
	require.NoError(t, err)
	assert.Equal(t, "mem://pkg-abc", decoded.ConnectionString)
}

func TestDecodeInitParamsRejectsMissingFields(t *testing.T) {
	_, err := DecodeInitParams([]byte(`{"container_name":"x"}`))
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = DecodeInitParams([]byte(`not json`))
	assert.ErrorIs(t, err, ErrInvalidParams)
}

func TestCallTimeout(t *testing.T) {
	p := validParams()
	assert.Equal(t, DefaultCallTimeout, p.CallTimeout())
	p.DebugTimeouts = true
	assert.Equal(t, DebugCallTimeout, p.CallTimeout())
}

func TestHeartbeatInterval(t *testing.T) {
	p := validParams()
	assert.Equal(t, DefaultHeartbeatInterval, p.HeartbeatInterval())
	p.HeartbeatIntervalMs = 250
	assert.Equal(t, 250*time.Millisecond, p.HeartbeatInterval())
}

func TestGuestDimensionsDropsHostOnlyKeys(t *testing.T) {
	dims := []Dimension{
		{Key: "region", Value: "eu"},
		{Key: "Service_Version", Value: "1.2.3"},
		{Key: "tenant", Value: "t1"},
	}
	got := GuestDimensions(dims)
	assert.Equal(t, []Dimension{{Key: "region", Value: "eu"}, {Key: "tenant", Value: "t1"}}, got)
}
