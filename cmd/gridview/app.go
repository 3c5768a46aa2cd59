package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/xiaot623/gridview/internal/auth"
	"github.com/xiaot623/gridview/internal/backend"
	"github.com/xiaot623/gridview/internal/config"
	"github.com/xiaot623/gridview/internal/logging"
	"github.com/xiaot623/gridview/internal/metrics"
	"github.com/xiaot623/gridview/internal/viewer"
)

// tokenEnv is read when no token file exists.
const tokenEnv = "GRIDVIEW_TOKEN"

// app carries what every command shares once flags are parsed.
type app struct {
	configPath string
	token      string
	logLevel   string
	logFormat  string

	cfg *config.Config
	log *slog.Logger
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.logFormat != "" {
		cfg.LogFormat = a.logFormat
	}
	logger, err := logging.New(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = logger
	return nil
}

func (a *app) tokenStore() auth.TokenStore {
	path := a.cfg.TokenPath
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			dir = "."
		}
		path = filepath.Join(dir, "gridview", "token")
	}
	return auth.Chain{
		&auth.FileTokenStore{Path: path},
		&auth.EnvTokenStore{Key: tokenEnv},
	}
}

// identity resolves who the command acts as: the --token flag, else the
// stored token.
func (a *app) identity() (auth.Identity, error) {
	token := a.token
	if token == "" {
		stored, err := a.tokenStore().Load()
		if errors.Is(err, auth.ErrNoToken) {
			return auth.Identity{}, fmt.Errorf("not logged in: run `gridview login --token <token>`")
		}
		if err != nil {
			return auth.Identity{}, err
		}
		token = stored
	}
	return auth.ParseIdentity(token)
}

func (a *app) client(token string) *backend.Client {
	return backend.NewClient(backend.Endpoints{
		Chat:       a.cfg.ChatURL,
		Monitoring: a.cfg.MonitoringURL,
		Devices:    a.cfg.DevicesURL,
	}, token, a.cfg.CommandTimeout())
}

// session builds a viewer session for the current identity. reg, when
// set, receives the session's metrics.
func (a *app) session(views viewer.Views, reg prometheus.Registerer) (*viewer.Session, error) {
	id, err := a.identity()
	if err != nil {
		return nil, err
	}
	var m *metrics.Metrics
	if reg != nil {
		m = metrics.New(reg)
	}
	return viewer.New(viewer.Options{
		Identity: id,
		Config:   a.cfg,
		Backend:  a.client(id.Token),
		Views:    views,
		Logger:   a.log,
		Metrics:  m,
	})
}
