package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gridview/internal/domain"
	"github.com/xiaot623/gridview/internal/viewer"
)

func requireRole(sess *viewer.Session, role domain.Role, hint string) error {
	if id := sess.Identity(); id.Role != role {
		return fmt.Errorf("%s is signed in as %s; use `gridview %s`", id.UserID, id.Role, hint)
	}
	return nil
}

func newCustomerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "customer",
		Short: "Chat with support as a customer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := newPrinter(cmd.OutOrStdout())
			sess, err := a.session(p.views(true, false, false), nil)
			if err != nil {
				return err
			}
			defer sess.Logout()
			if err := requireRole(sess, domain.RoleCustomer, "operator"); err != nil {
				return err
			}

			ctx, stop := interruptible(cmd)
			defer stop()

			if err := sess.OpenChat(ctx); err != nil {
				p.printf("! %v\n", err)
			}
			p.printf("Chatting as %s. /operator asks for a human, /quit exits.\n", sess.Identity().UserID)

			repl(ctx, cmd.InOrStdin(), func(line string) {
				var err error
				if line == "/operator" {
					err = sess.RequestOperator(ctx)
				} else {
					err = sess.Send(ctx, line)
				}
				if err != nil {
					p.printf("! %v\n", err)
				}
			})
			return nil
		},
	}
}

func newOperatorCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "operator",
		Short: "Watch customer sessions and join conversations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p := newPrinter(cmd.OutOrStdout())
			views := p.views(true, true, false)
			sess, err := a.session(views, nil)
			if err != nil {
				return err
			}
			defer sess.Logout()
			if err := requireRole(sess, domain.RoleOperator, "customer"); err != nil {
				return err
			}

			ctx, stop := interruptible(cmd)
			defer stop()

			if err := sess.StartDashboard(ctx); err != nil {
				return err
			}
			p.printf("Commands: /join <user>, /leave, /sessions, /devices, /quit. Other input is sent to the joined conversation.\n")

			repl(ctx, cmd.InOrStdin(), func(line string) {
				var err error
				switch {
				case strings.HasPrefix(line, "/join "):
					err = sess.Join(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/join ")))
				case line == "/leave":
					sess.CloseChat()
				case line == "/sessions":
					p.mu.Lock()
					writeSessions(p.out, views.Board.Sessions())
					p.mu.Unlock()
				case line == "/devices":
					var rows []viewer.DeviceRow
					if rows, err = sess.Devices(ctx); err == nil {
						p.mu.Lock()
						writeDevices(p.out, rows)
						p.mu.Unlock()
					}
				default:
					err = sess.Send(ctx, line)
				}
				if err != nil {
					p.printf("! %v\n", err)
				}
			})
			return nil
		},
	}
}

func newDevicesCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List devices; operators see every device with its owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sess, err := a.session(viewer.Views{}, nil)
			if err != nil {
				return err
			}
			defer sess.Logout()

			rows, err := sess.Devices(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}
			writeDevices(cmd.OutOrStdout(), rows)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}
