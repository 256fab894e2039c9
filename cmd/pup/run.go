package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pupteam/pup/internal/config"
	"github.com/pupteam/pup/internal/core"
	"github.com/pupteam/pup/internal/logger"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Load the plan and supervise its processes until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := logger.New(logger.Config{Level: plan.LogLevel, Colors: plan.Logger.Colors})

			c, err := core.New(plan, log)
			if err != nil {
				return err
			}

			// first signal: graceful terminate; second: immediate force-kill
			sigCh := make(chan os.Signal, 2)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				for range sigCh {
					c.Terminate()
				}
			}()
			defer signal.Stop(sigCh)

			return c.Run(context.Background())
		},
	}
}
