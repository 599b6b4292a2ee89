package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func remainingCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remaining <meal>",
		Short: "Print the participants not yet served a meal today",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			commonRun()
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			remaining, err := a.coord.RemainingParticipants(cmd.Context(), args[0], time.Now())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range remaining {
				fmt.Fprintln(out, p)
			}
			fmt.Fprintf(out, "%d of %d remaining\n", len(remaining), a.coord.Roster().Size())
			return nil
		},
	}
}
