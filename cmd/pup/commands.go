package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pupteam/pup/internal/ipc"
)

func newProcessCmd(typ string) *cobra.Command {
	return &cobra.Command{
		Use:   typ + " <id>",
		Short: fmt.Sprintf("Send %s to a supervised process", typ),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return command(typ, args[0])
		},
	}
}

func newTerminateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "terminate",
		Short: "Shut the core down gracefully; repeat to force-kill",
		RunE: func(cmd *cobra.Command, args []string) error {
			return command(ipc.TypeTerminate, "")
		},
	}
}

var stateColors = map[string]*color.Color{
	"running":  color.New(color.FgGreen),
	"starting": color.New(color.FgCyan),
	"stopping": color.New(color.FgYellow),
	"blocked":  color.New(color.FgYellow),
	"failed":   color.New(color.FgRed),
	"finished": color.New(color.FgBlue),
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of every supervised process",
		RunE: func(cmd *cobra.Command, args []string) error {
			procs, err := fetchStatus()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tPID\tRESTARTS\tLAST EXIT")
			for _, p := range procs {
				state := p.State
				if c, ok := stateColors[state]; ok {
					state = c.Sprint(state)
				}
				pid := "-"
				if p.PID != 0 {
					pid = fmt.Sprintf("%d", p.PID)
				}
				last := "-"
				if p.LastExit != nil {
					if p.LastExit.Signal != "" {
						last = p.LastExit.Signal
					} else {
						last = fmt.Sprintf("code %d", p.LastExit.Code)
					}
					last += " at " + p.LastExit.At.Format("15:04:05")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", p.ID, state, pid, p.Restarts, last)
			}
			return w.Flush()
		},
	}
}
