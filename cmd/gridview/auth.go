package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gridview/internal/auth"
)

func newLoginCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Store the bearer token given with --token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.token == "" {
				return errors.New("--token is required")
			}
			id, err := auth.ParseIdentity(a.token)
			if err != nil {
				return err
			}
			if err := a.tokenStore().Save(id.Token); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s)\n", id.UserID, id.Role)
			return nil
		},
	}
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.tokenStore().Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

func newWhoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the identity of the current token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, err := a.identity()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user: %s\nrole: %s\n", id.UserID, id.Role)
			return nil
		},
	}
}
