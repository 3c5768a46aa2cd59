package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/xiaot623/gridview/internal/console"
	"github.com/xiaot623/gridview/internal/devstub"
	"github.com/xiaot623/gridview/internal/domain"
)

const shutdownTimeout = 5 * time.Second

// server is what serveUntilDone runs.
type server interface {
	Start(addr string) error
	Shutdown(ctx context.Context) error
}

// serveUntilDone serves on addr until ctx is done or the server fails.
func serveUntilDone(ctx context.Context, srv server, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newConsoleCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "console",
		Short: "Serve the local console API and /metrics for a viewer session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.ConsoleAddr
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			sess, err := a.session(newPrinter(cmd.ErrOrStderr()).views(false, false, false), reg)
			if err != nil {
				return err
			}
			defer sess.Logout()

			ctx, stop := interruptible(cmd)
			defer stop()

			srv := console.NewServer(sess, reg, a.log)
			a.log.Info("console listening", "addr", addr, "user", sess.Identity().UserID)
			return serveUntilDone(ctx, srv, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default console_addr)")
	return cmd
}

func newStubCmd(a *app) *cobra.Command {
	var addr, dsn, signingKey string

	cmd := &cobra.Command{
		Use:   "stub",
		Short: "Run local stand-ins for the chat, monitoring, device and push services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.StubAddr
			}
			if dsn == "" {
				dsn = a.cfg.StubDatabaseURL
			}
			loc, err := a.cfg.Location()
			if err != nil {
				return err
			}

			store, err := devstub.OpenStore(dsn)
			if err != nil {
				return err
			}
			defer store.Close()

			opts := devstub.Options{Store: store, Location: loc, Logger: a.log}
			if signingKey != "" {
				opts.Issuer = devstub.NewTokenIssuer([]byte(signingKey), 0)
			}
			srv := devstub.NewServer(opts)

			ctx, stop := interruptible(cmd)
			defer stop()
			go srv.Run(ctx)

			a.log.Info("stub listening", "addr", addr, "auth", opts.Issuer != nil)
			return serveUntilDone(ctx, srv, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default stub_addr)")
	cmd.Flags().StringVar(&dsn, "db", "", "SQLite DSN (default stub_database_url)")
	cmd.Flags().StringVar(&signingKey, "signing-key", "", "HS256 key; when set, requests need a token from /auth/token")

	cmd.AddCommand(newStubTokenCmd())
	return cmd
}

func newStubTokenCmd() *cobra.Command {
	var user, role, signingKey string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a token the stub accepts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r := domain.RoleCustomer
			switch role {
			case string(domain.RoleCustomer):
			case string(domain.RoleOperator):
				r = domain.RoleOperator
			default:
				return fmt.Errorf("role must be customer or operator, got %q", role)
			}
			token, err := devstub.NewTokenIssuer([]byte(signingKey), ttl).Issue(user, r, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "User id")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleCustomer), "customer or operator")
	cmd.Flags().StringVar(&signingKey, "signing-key", "dev", "HS256 key the stub was started with")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
