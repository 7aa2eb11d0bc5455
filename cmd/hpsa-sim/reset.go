package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newResetCmd() *cobra.Command {
	var bus bool
	cmd := &cobra.Command{
		Use:   "reset B:T:L",
		Short: "Reset a device, or the bus it is on, and wait for it to come back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, t, l, err := parseBTL(args[0])
			if err != nil {
				return err
			}
			logger, closeLog, err := setupLogging()
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			s, err := openSession(ctx, logger)
			if err != nil {
				return err
			}
			defer s.close(ctx)

			if _, err := s.lookup(b, t, l); err != nil {
				return err
			}
			start := time.Now()
			if bus {
				err = s.ctlr.ResetBus(ctx, b, t, l)
			} else {
				err = s.ctlr.ResetDevice(ctx, b, t, l)
			}
			if err != nil {
				return err
			}
			snap := s.ctlr.MetricsSnapshot()
			fmt.Fprintf(cmd.OutOrStdout(), "%d:%d:%d reset in %s (%d readiness polls)\n",
				b, t, l, time.Since(start).Round(time.Microsecond), snap.ReadinessPolls)
			return nil
		},
	}
	cmd.Flags().BoolVar(&bus, "bus", false, "reset the whole bus instead of the device")
	return cmd
}
