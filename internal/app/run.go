package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/petervdpas/guardcall/internal/call"
	"github.com/petervdpas/guardcall/internal/config"
	"github.com/petervdpas/guardcall/internal/hub"
	"github.com/petervdpas/guardcall/internal/media"
	"github.com/petervdpas/guardcall/internal/metrics"
	"github.com/petervdpas/guardcall/internal/routes"
	"github.com/petervdpas/guardcall/internal/signal"
	"github.com/petervdpas/guardcall/internal/storage"
	"github.com/petervdpas/guardcall/internal/util"
)

const shutdownTimeout = 5 * time.Second

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
}

// sessionStore is a signal.Store the agent owns and must close.
type sessionStore interface {
	signal.Store
	Close() error
}

// RunAgent runs one user's call agent until ctx is cancelled.
func RunAgent(ctx context.Context, o Options) error {
	cfg := o.Cfg
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.ValidateAgent(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logs, detach, err := setupLogging(cfg.Log)
	if err != nil {
		return err
	}
	defer detach()
	metrics.MustRegister(prometheus.DefaultRegisterer)
	logBanner("agent", o.Dir, o.CfgPath)

	// ── Session store
	store, err := openStore(ctx, o.Dir, cfg.Signal, cfg.Identity.UserID)
	if err != nil {
		return err
	}
	defer store.Close()

	// ── Local records
	db, err := storage.Open(util.ResolvePath(o.Dir, cfg.Agent.DataDB))
	if err != nil {
		return fmt.Errorf("open data db: %w", err)
	}
	defer db.Close()
	recs := records{db: db}

	// ── Media
	devices, peers, err := media.NewPlatform(mediaOptions(cfg.Media))
	if err != nil {
		return fmt.Errorf("media: %w", err)
	}

	// ── Coordinator
	coord, err := call.New(call.Options{
		Identity: call.Identity{
			UserID: cfg.Identity.UserID,
			Name:   cfg.Identity.Name,
			Role:   cfg.Identity.Role,
		},
		Store:       store,
		Devices:     devices,
		Peers:       peers,
		ICEServers:  iceServers(cfg.Call.ICEServers),
		Emergencies: recs,
		Timeline:    recs,
		Notifier:    recs,
		Clock:       clock.New(),
		RingTimeout: cfg.Call.RingTimeout(),
		DeleteGrace: cfg.Call.DeleteGrace(),
		StaleAfter:  cfg.Call.StaleAfter(),
		MaxCallAge:  cfg.Call.MaxCallAge(),
	})
	if err != nil {
		return fmt.Errorf("call coordinator: %w", err)
	}
	defer coord.Close()

	sanitize := func() {
		sctx, cancel := context.WithTimeout(ctx, util.DefaultRequestTimeout)
		defer cancel()
		n, err := coord.SanitizeStaleCalls(sctx, cfg.Identity.UserID)
		if err != nil {
			log.Warnf("sanitize stale calls: %v", err)
			return
		}
		if n > 0 {
			log.Infof("removed %d stale call session(s)", n)
		}
	}
	sanitize()
	if c, ok := store.(*hub.Client); ok {
		c.OnConnect(sanitize)
	}

	coord.OnIncoming(func(in call.Incoming) {
		log.Infof("incoming %s call from %s (%s)", in.CallType, in.CallerName, in.ID)
	})

	// ── Control API
	mux := http.NewServeMux()
	routes.Register(mux, routes.Deps{
		Calls:  coord,
		Data:   db,
		UserID: cfg.Identity.UserID,
		Logs:   logs,
	})
	srv := &http.Server{
		Addr:              cfg.Agent.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: util.DefaultDialTimeout,
	}
	log.Infof("control API: http://%s", cfg.Agent.HTTPAddr)
	log.Infof("acting for %s (%s, %s)", cfg.Identity.UserID, cfg.Identity.Name, cfg.Identity.Role)

	return serve(ctx, srv)
}

// RunHub serves the shared session store until ctx is cancelled.
func RunHub(ctx context.Context, o Options) error {
	cfg := o.Cfg
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logs, detach, err := setupLogging(cfg.Log)
	if err != nil {
		return err
	}
	defer detach()
	metrics.MustRegister(prometheus.DefaultRegisterer)
	logBanner("hub", o.Dir, o.CfgPath)

	store, err := signal.OpenSQLStore(util.ResolvePath(o.Dir, cfg.Hub.DBPath), clock.New())
	if err != nil {
		return fmt.Errorf("open hub db: %w", err)
	}
	defer store.Close()

	hs := hub.NewServer(store, logs)
	defer hs.Close()

	srv := &http.Server{
		Addr:              cfg.Hub.HTTPAddr,
		Handler:           hs.Handler(),
		ReadHeaderTimeout: util.DefaultDialTimeout,
	}
	log.Infof("hub listening on ws://%s/ws (db %s)", cfg.Hub.HTTPAddr, store.Path())

	return serve(ctx, srv)
}

func openStore(ctx context.Context, dir string, c config.Signal, userID string) (sessionStore, error) {
	switch c.Backend {
	case config.BackendHub:
		dctx, cancel := context.WithTimeout(ctx, util.DefaultDialTimeout)
		defer cancel()
		client, err := hub.DialAs(dctx, c.HubURL, userID)
		if err != nil {
			return nil, err
		}
		return client, nil
	default:
		st, err := signal.OpenSQLStore(util.ResolvePath(dir, c.DBPath), clock.New())
		if err != nil {
			return nil, fmt.Errorf("open signal db: %w", err)
		}
		log.Infof("session store: %s", st.Path())
		return st, nil
	}
}

// serve runs srv until ctx is done, then shuts it down.
func serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server %s: %w", srv.Addr, err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func mediaOptions(m config.Media) media.Options {
	return media.Options{
		MaxWidth:        m.MaxWidth,
		MaxHeight:       m.MaxHeight,
		VideoBitrate:    m.VideoBitrate,
		ICEDisconnected: time.Duration(m.ICEDisconnectedSec) * time.Second,
		ICEFailed:       time.Duration(m.ICEFailedSec) * time.Second,
		ICEKeepalive:    time.Duration(m.ICEKeepaliveSec) * time.Second,
	}
}

func iceServers(in []config.ICEServer) []media.ICEServer {
	out := make([]media.ICEServer, 0, len(in))
	for _, s := range in {
		out = append(out, media.ICEServer{
			URLs:       append([]string(nil), s.URLs...),
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

func logBanner(mode, dir, cfgPath string) {
	log.Info("────────────────────────────────────────")
	log.Infof("guardcall %s", mode)
	log.Infof(" Directory   : %s", dir)
	log.Infof(" Config file : %s", cfgPath)
	log.Info("────────────────────────────────────────")
}
