// Command kapsel-guest is the process a kapsel host launches for each
// container. It reads its init params, connects back to the host and
// serves the built-in plugins until told to stop.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/p-arndt/kapsel/internal/guest"
	klog "github.com/p-arndt/kapsel/internal/log"
	"github.com/p-arndt/kapsel/internal/plugins"
	"github.com/p-arndt/kapsel/protocol"
)

const (
	logLevelEnv  = "KAPSEL_GUEST_LOG_LEVEL"
	logFormatEnv = "KAPSEL_GUEST_LOG_FORMAT"

	crashExitCode = 70
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := klog.Setup(os.Getenv(logLevelEnv), os.Getenv(logFormatEnv))
	stdin := bufio.NewReader(os.Stdin)

	// Containerized guests get their params from the environment and have
	// no control stream.
	params, fromEnv, err := initParams(stdin)
	if err != nil {
		logger.Error("read init params", "error", err)
		return 2
	}

	catalog := plugins.Catalog()
	catalog["crash"] = func(guest.Env) (guest.Plugin, error) {
		return guest.PluginFunc(func(context.Context, []byte) ([]byte, error) {
			logger.Warn("crash plugin called, exiting")
			os.Exit(crashExitCode)
			return nil, nil
		}), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, err := guest.Bootstrap(ctx, params, guest.Options{
		Catalog:    catalog,
		Logger:     logger,
		LogLevel:   klog.ParseLevel(os.Getenv(logLevelEnv)),
		Registerer: prometheus.NewRegistry(),
	})
	if err != nil {
		logger.Error("bootstrap", "error", err)
		return 1
	}
	defer g.Recover()

	var control <-chan struct{}
	if !fromEnv {
		control = guest.WatchControl(stdin)
	}
	parent := guest.WatchParent(ctx, params.ParentPID, time.Second)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case <-control:
		logger.Info("control stream closed")
	case <-parent:
		logger.Warn("parent process gone")
	case sig := <-sigCh:
		logger.Info("signal received", "signal", sig.String())
	case <-g.Done():
	}
	g.Shutdown()
	if err := g.Wait(); err != nil {
		logger.Warn("guest stopped with error", "error", err)
	}
	return 0
}

func initParams(stdin *bufio.Reader) (protocol.InitParams, bool, error) {
	if line := os.Getenv(protocol.InitParamsEnv); line != "" {
		p, err := protocol.DecodeInitParams([]byte(line))
		if err != nil {
			return protocol.InitParams{}, true, fmt.Errorf("%s: %w", protocol.InitParamsEnv, err)
		}
		return p, true, nil
	}
	p, err := guest.ReadInitParams(stdin)
	return p, false, err
}
