package main

import (
	"github.com/spf13/cobra"

	"github.com/xiaot623/gridview/internal/domain"
)

func newTelemetryCmd(a *app) *cobra.Command {
	var owner, date string

	cmd := &cobra.Command{
		Use:   "telemetry <device-id>",
		Short: "Show a device's hourly consumption with live updates",
		Long: "Shows the device's hourly chart for a day and merges live samples as they arrive.\n" +
			"Type another date (YYYY-MM-DD) to switch days, /quit to exit.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var day domain.Date
			if date != "" {
				d, err := domain.ParseDate(date)
				if err != nil {
					return err
				}
				day = d
			}

			p := newPrinter(cmd.OutOrStdout())
			sess, err := a.session(p.views(false, false, true), nil)
			if err != nil {
				return err
			}
			defer sess.Logout()

			ctx, stop := interruptible(cmd)
			defer stop()

			if err := sess.OpenDevice(ctx, owner, args[0], day); err != nil {
				p.printf("! %v\n", err)
			}

			repl(ctx, cmd.InOrStdin(), func(line string) {
				d, err := domain.ParseDate(line)
				if err == nil {
					err = sess.ChangeDate(ctx, d)
				}
				if err != nil {
					p.printf("! %v\n", err)
				}
			})
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "Owner of the device (operators; customers always view their own)")
	cmd.Flags().StringVar(&date, "date", "", "Day to show, YYYY-MM-DD (default today)")
	return cmd
}
