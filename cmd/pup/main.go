package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pupteam/pup/internal/config"
	"github.com/pupteam/pup/internal/ipc"
)

// Exit codes of the core.
const (
	exitOK       = 0
	exitConfig   = 1
	exitConflict = 2
	exitInternal = 3
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "pup",
		Short:         "pup is a universal process supervisor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFileName, "path to the configuration file")

	root.AddCommand(newRunCmd())
	root.AddCommand(newStatusCmd())
	for _, cmd := range []string{"start", "stop", "restart", "block", "unblock"} {
		root.AddCommand(newProcessCmd(cmd))
	}
	root.AddCommand(newTerminateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "pup:", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	var cfgErr *config.ConfigError
	if errors.As(err, &cfgErr) {
		return exitConfig
	}
	if errors.Is(err, ipc.ErrConflict) {
		return exitConflict
	}
	return exitInternal
}
