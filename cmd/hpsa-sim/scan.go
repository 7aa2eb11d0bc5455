package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newScanCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Bring up the controller, print what it discovered and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
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

			out := cmd.OutOrStdout()
			info := s.ctlr.Info()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Controller interface{} `json:"controller"`
					Devices    interface{} `json:"devices"`
				}{info, s.ctlr.Devices()})
			}

			fmt.Fprintf(out, "Controller %d: board %08x, %s transport\n", info.ID, info.BoardID, info.Mode)
			fmt.Fprintf(out, "  Commands:     %d (queue depth %d)\n", info.Commands, info.QueueDepth)
			fmt.Fprintf(out, "  Reply queues: %d\n", info.ReplyQueues)
			fmt.Fprintf(out, "  SG entries:   %d inline, %d max\n", info.SGInline, info.SGMax)
			if wwid, ok := s.ctlr.ControllerWWID(); ok {
				fmt.Fprintf(out, "  WWID:         %x\n", wwid[:])
			}
			if info.Offline > 0 {
				fmt.Fprintf(out, "  Offline:      %d volume(s) waiting\n", info.Offline)
			}
			for _, v := range s.layout.Volumes {
				if size, err := parseSize(v.Size); err == nil {
					fmt.Fprintf(out, "  Volume %d/%d:   %s\n", v.Target, v.LUN, formatSize(size))
				}
			}
			fmt.Fprintln(out)
			printDevices(out, s.ctlr.Devices())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}
