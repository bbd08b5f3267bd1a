package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

type runFlags struct {
	plugins []string
	info    bool
}

func newRunCmd(root *rootFlags) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run PACKAGE PLUGIN [INPUT]",
		Short: "Start a container for PACKAGE, run PLUGIN once and stop it",
		Long: `Start a container for PACKAGE, execute PLUGIN with INPUT and print its
output. With INPUT "-" the input is read from stdin.`,
		Example: `  kapsel run demo echo "hello"
  echo '{"x":1}' | kapsel run demo echo -`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readInput(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runOnce(ctx, root, flags, args[0], args[1], input, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringSliceVar(&flags.plugins, "plugins", nil, "plugins to load (defaults to the package's plugins plus PLUGIN)")
	cmd.Flags().BoolVar(&flags.info, "info", false, "print the loaded package as JSON to stderr before executing")
	return cmd
}

func readInput(args []string, stdin io.Reader) ([]byte, error) {
	if len(args) < 3 {
		return nil, nil
	}
	if args[2] == "-" {
		return io.ReadAll(stdin)
	}
	return []byte(args[2]), nil
}

func runOnce(ctx context.Context, root *rootFlags, flags *runFlags, pkg, plugin string, input []byte, out io.Writer) error {
	cfg, logger, err := root.load()
	if err != nil {
		return err
	}
	rt, err := newRuntime(ctx, cfg, logger, runtimeOptions{})
	if err != nil {
		return err
	}
	defer rt.close(context.Background())

	plugins := flags.plugins
	if len(plugins) == 0 {
		plugins = append(append([]string(nil), cfg.Packages[pkg].Plugins...), plugin)
	}
	info, err := rt.provider.Load(ctx, pkg, plugins)
	if err != nil {
		return err
	}
	logger.Debug("package loaded", "package", pkg, "container", info.Container, "plugins", strings.Join(info.Plugins, ","))

	if flags.info {
		if err := json.NewEncoder(os.Stderr).Encode(info); err != nil {
			return err
		}
	}

	resp, err := rt.provider.Execute(ctx, pkg, plugin, input)
	if err != nil {
		return fmt.Errorf("execute %s/%s: %w", pkg, plugin, err)
	}
	_, err = out.Write(resp.Output)
	return err
}
