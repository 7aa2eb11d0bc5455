package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	hpsa "github.com/ehrlich-b/go-hpsa"
	"github.com/ehrlich-b/go-hpsa/internal/ciss"
	"github.com/ehrlich-b/go-hpsa/internal/scsi"
)

func newInquiryCmd() *cobra.Command {
	var page int
	cmd := &cobra.Command{
		Use:   "inquiry B:T:L",
		Short: "Send an INQUIRY to a device through the passthru path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, target, lun, err := parseBTL(args[0])
			if err != nil {
				return err
			}
			if page > 0xff {
				return fmt.Errorf("page %d out of range", page)
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

			dev, err := s.lookup(bus, target, lun)
			if err != nil {
				return err
			}
			size := ciss.StdInquirySize
			if page >= 0 {
				size = 255
			}
			req := ciss.Inquiry(page >= 0, uint8(page), size)
			res, err := s.ctlr.Passthru(ctx, hpsa.PassthruRequest{
				Addr:      dev.Addr,
				CDB:       req.CDB[:req.CDBLen],
				Direction: hpsa.DirRead,
				Data:      make([]byte, size),
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if res.CommandStatus != ciss.CmdSuccess {
				fmt.Fprintf(out, "command status %s, scsi status 0x%02x\n",
					ciss.CommandStatusName(res.CommandStatus), res.ScsiStatus)
				if ei, err := ciss.UnmarshalErrorInfo(res.ErrorInfo); err == nil && len(ei.Sense()) > 0 {
					fmt.Fprintf(out, "sense: %s\n", scsi.DecodeSense(ei.Sense()).Describe())
				}
				return fmt.Errorf("inquiry failed")
			}
			if page < 0 {
				d, err := ciss.ParseInquiry(res.Data)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Type:     0x%02x\n", d.DeviceType)
				fmt.Fprintf(out, "Vendor:   %s\n", d.Vendor)
				fmt.Fprintf(out, "Model:    %s\n", d.Model)
				fmt.Fprintf(out, "Revision: %s\n", d.Revision)
				fmt.Fprintf(out, "SPC:      %d\n", d.SCSIRevision())
				if d.IsOBDR() {
					fmt.Fprintln(out, "OBDR:     yes")
				}
				return nil
			}
			if page == 0 {
				fmt.Fprintf(out, "Supported pages: % x\n", ciss.SupportedPages(res.Data))
				return nil
			}
			fmt.Fprint(out, hex.Dump(res.Data))
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", -1, "VPD page to fetch; standard data when negative")
	return cmd
}
