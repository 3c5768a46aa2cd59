package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "gridview",
		Short:         "Support chat and live energy telemetry for customers and operators",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "gridview.toml", "Path to the TOML config file")
	flags.StringVar(&a.token, "token", "", "Bearer token (defaults to the stored token)")
	flags.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.StringVar(&a.logFormat, "log-format", "", "Log format: text, json, auto")

	rootCmd.AddCommand(
		newLoginCmd(a),
		newLogoutCmd(a),
		newWhoamiCmd(a),
		newCustomerCmd(a),
		newOperatorCmd(a),
		newTelemetryCmd(a),
		newDevicesCmd(a),
		newConsoleCmd(a),
		newStubCmd(a),
	)

	return rootCmd
}
