package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vibetunnel/vibetunnel/pkg/api"
	"github.com/vibetunnel/vibetunnel/pkg/auth"
	"github.com/vibetunnel/vibetunnel/pkg/config"
	"github.com/vibetunnel/vibetunnel/pkg/hq"
	"github.com/vibetunnel/vibetunnel/pkg/recorder"
	"github.com/vibetunnel/vibetunnel/pkg/session"
	"github.com/vibetunnel/vibetunnel/pkg/terminal"
)

func main() {
	var configPath string
	var noAuth bool
	var hqMode bool

	root := &cobra.Command{
		Use:   "vibetunnel",
		Short: "terminal session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, noAuth, hqMode)
		},
	}

	root.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.Flags().BoolVar(&noAuth, "no-auth", false, "disable the auth gate entirely")
	root.Flags().BoolVar(&hqMode, "hq", false, "run as an HQ node, merging registered remotes")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string, noAuth, hqMode bool) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if noAuth {
		cfg.NoAuth = true
	}
	if hqMode {
		cfg.HQMode = true
	}

	manager, err := session.NewManager(cfg.ControlDir, sugar)
	if err != nil {
		return fmt.Errorf("start session manager: %w", err)
	}

	cache := terminal.NewCache(sugar)

	recorders := newRecorderSet(sugar)
	manager.OnSessionCreated(func(s *session.Session) {
		info := s.GetInfo()
		rec, err := recorder.Open(s.StreamOutPath(), info.Cols, info.Rows, s.ID, sugar)
		if err != nil {
			sugar.Warnw("failed to open recorder", "session", s.ID, "error", err)
			return
		}
		recorders.put(s.ID, rec)
		s.AddSink(rec)
		s.OnExit(func(code int) {
			if err := rec.Close(code); err != nil {
				sugar.Warnw("failed to close recorder", "session", s.ID, "error", err)
			}
			recorders.drop(s.ID)
		})
	})
	manager.OnSessionRemoved(func(id string) {
		cache.Drop(id)
		recorders.drop(id)
	})

	var registry *hq.Registry
	if cfg.HQMode {
		registry = hq.NewRegistry(sugar)
		defer registry.Shutdown()
		for _, remote := range cfg.Remotes {
			if _, err := registry.Register(remote.Name, remote.URL, remote.Bearer); err != nil {
				sugar.Warnw("failed to pre-register configured remote", "name", remote.Name, "error", err)
			}
		}
	}

	var selfReg *hq.SelfRegistration
	if cfg.RemoteOf != nil {
		selfReg = hq.NewSelfRegistration(cfg.RemoteOf.HQURL, cfg.RemoteOf.Bearer, cfg.RemoteOf.Name, cfg.RemoteOf.SelfURL, sugar)
		if err := selfReg.Register(context.Background()); err != nil {
			sugar.Warnw("failed to register with hq", "error", err)
		}
		defer selfReg.Unregister(context.Background())
	}

	gate := auth.New(auth.Config{
		NoAuth:       cfg.NoAuth,
		HQMode:       cfg.HQMode,
		HQBearer:     cfg.HQBearer,
		JWTSecret:    []byte(cfg.JWTSecret),
		StaticBearer: cfg.StaticBearer,
		BasicUser:    cfg.Username,
		BasicPass:    cfg.Password,
	})

	server := api.New(manager, cache, gate, registry, sugar)

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		sugar.Infow("listening", "addr", cfg.ListenAddr, "controlDir", cfg.ControlDir)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		sugar.Info("shutting down")
		return shutdown(httpSrv, server, manager)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// shutdown follows the drain order spec.md §5 prescribes: stop
// accepting new HTTP connections, close client streams, kill owned
// sessions (with the existing kill/escalate grace period), then let
// each session's own exit hook flush its recorder.
func shutdown(httpSrv *http.Server, server *api.Server, manager *session.Manager) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shutdownErr := httpSrv.Shutdown(ctx)
	server.Shutdown()

	sessions, err := manager.ListSessions()
	if err == nil {
		for _, info := range sessions {
			if info.Status != session.StatusExited {
				if s, err := manager.GetSession(info.ID); err == nil {
					_ = s.Kill()
				}
			}
		}
	}

	manager.Shutdown()
	return shutdownErr
}

// recorderSet tracks the one recorder per live session so the
// OnSessionRemoved hook can close a lingering handle even if the
// session's own exit hook never fired (e.g. an adopted external
// session whose forwarder already exited).
type recorderSet struct {
	logger *zap.SugaredLogger
	m      map[string]*recorder.Recorder
}

func newRecorderSet(logger *zap.SugaredLogger) *recorderSet {
	return &recorderSet{logger: logger, m: make(map[string]*recorder.Recorder)}
}

func (rs *recorderSet) put(id string, r *recorder.Recorder) { rs.m[id] = r }

func (rs *recorderSet) drop(id string) {
	if r, ok := rs.m[id]; ok {
		delete(rs.m, id)
		_ = r.Close(0)
	}
}
