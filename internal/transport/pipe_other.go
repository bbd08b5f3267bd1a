//go:build !unix

package transport

import (
	"context"
	"errors"
)

var errPipeUnsupported = errors.New("anonymous pipe transport is not supported on this platform")

func listenPipe() (Listener, error) {
	return nil, errPipeUnsupported
}

func dialPipe(context.Context, string) (Socket, error) {
	return nil, errPipeUnsupported
}
