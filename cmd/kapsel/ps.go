package main

import (
	"fmt"
	"io"
	"time"

	"github.com/docker/go-units"
	"github.com/rodaine/table"
	"github.com/spf13/cobra"

	"github.com/p-arndt/kapsel/internal/store"
)

type psFlags struct {
	state   string
	pkg     string
	showAll bool
}

func newPsCmd(root *rootFlags) *cobra.Command {
	flags := &psFlags{}
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List containers recorded in the registry",
		Example: `  kapsel ps
  kapsel ps --state crashed
  kapsel ps --package demo --all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := root.load()
			if err != nil {
				return err
			}
			st, err := store.New(cfg.DBPath, 1)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			containers, err := listContainers(st, flags)
			if err != nil {
				return err
			}
			printContainers(cmd.OutOrStdout(), containers, time.Now())
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.state, "state", "", "only show containers in this state")
	cmd.Flags().StringVar(&flags.pkg, "package", "", "only show containers of this package")
	cmd.Flags().BoolVarP(&flags.showAll, "all", "a", false, "include destroyed containers")
	return cmd
}

func listContainers(st *store.Store, flags *psFlags) ([]*store.Container, error) {
	var (
		all []*store.Container
		err error
	)
	switch {
	case flags.state != "":
		all, err = st.ListByState(flags.state)
	case flags.pkg != "":
		all, err = st.ListByPackage(flags.pkg)
	default:
		all, err = st.ListContainers()
	}
	if err != nil {
		return nil, err
	}

	out := all[:0]
	for _, c := range all {
		if flags.pkg != "" && c.Package != flags.pkg {
			continue
		}
		if !flags.showAll && flags.state == "" && c.State == store.StateDestroyed {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func printContainers(w io.Writer, containers []*store.Container, now time.Time) {
	if len(containers) == 0 {
		fmt.Fprintln(w, "no containers")
		return
	}
	tbl := table.New("CONTAINER", "PACKAGE", "STATE", "PID", "RECYCLES", "CREATED", "PROTOCOL").WithWriter(w).WithPadding(2)
	for _, c := range containers {
		pkg := c.Package
		if pkg == "" {
			pkg = "-"
		}
		tbl.AddRow(c.ID, pkg, c.State, c.PID, c.Recycles, units.HumanDuration(now.Sub(c.CreatedAt))+" ago", c.Protocol)
	}
	tbl.Print()
}
