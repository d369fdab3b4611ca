// Package app wires the CardLink bridge runtime: config, logging, the card
// stack, the audit store, the session controller and the optional ops server.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"cardlink/cmd/internal/audit"
	"cardlink/cmd/internal/card"
	"cardlink/cmd/internal/cardlink"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

// App runs one CardLink session and, when configured, the ops HTTP server next to it.
type App struct {
	cfg Config
	log Logger

	dbPool *pgxpool.Pool
	audit  audit.Store
	ctrl   *cardlink.Controller
}

// Options overrides collaborators. Zero values select the defaults.
type Options struct {
	Dispatcher cardlink.Dispatcher
	Reader     cardlink.DatasetReader
	Consent    cardlink.ConsentEngine
	Transport  cardlink.Transport
	PromptIn   io.Reader
	PromptOut  io.Writer
}

// New constructs a fully wired App from config and logger.
func New(ctx context.Context, cfg Config, log Logger, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, pool, err := newAuditStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	if opts.Dispatcher == nil || opts.Reader == nil {
		sim := card.NewSimulator(log, card.DefaultCard())
		if opts.Dispatcher == nil {
			opts.Dispatcher = sim
		}
		if opts.Reader == nil {
			opts.Reader = sim
		}
	}
	if opts.Consent == nil {
		opts.Consent = newConsent(cfg, opts)
	}
	if opts.Transport == nil {
		opts.Transport = cardlink.NewWSTransport(log, wsConfig(cfg))
	}

	ctrl, err := cardlink.NewController(log, cardlink.Deps{
		Dispatcher: opts.Dispatcher,
		Reader:     opts.Reader,
		Consent:    opts.Consent,
		Transport:  opts.Transport,
		Recorder:   store,
	}, cardlink.Config{
		APDUWait:        cfg.APDUWait,
		FinishWait:      cfg.FinishWait,
		RegisterAckWait: cfg.RegisterAckWait,
	})
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, err
	}

	return &App{cfg: cfg, log: log, dbPool: pool, audit: store, ctrl: ctrl}, nil
}

func newConsent(cfg Config, opts Options) cardlink.ConsentEngine {
	switch cfg.Consent {
	case ConsentAuto:
		return card.AutoConsent{Approve: true}
	case ConsentDeny:
		return card.AutoConsent{Approve: false}
	default:
		in, out := opts.PromptIn, opts.PromptOut
		if in == nil {
			in = os.Stdin
		}
		if out == nil {
			out = os.Stderr
		}
		return card.PromptConsent{In: in, Out: out}
	}
}

func wsConfig(cfg Config) cardlink.WSConfig {
	ws := cardlink.WSConfig{
		URL:              cfg.ServiceURL,
		DialTimeout:      cfg.WSDialTimeout,
		WriteTimeout:     cfg.WSWriteTimeout,
		HeartbeatEvery:   cfg.WSHeartbeatEvery,
		HeartbeatTimeout: cfg.WSHeartbeatTimeout,
		MaxFrameBytes:    int64(cfg.WSMaxFrameBytes),
	}
	if cfg.ServiceToken != "" {
		ws.Header = http.Header{"Authorization": []string{"Bearer " + cfg.ServiceToken}}
	}
	return ws
}

// Run executes the session and blocks until it ends. The ops server, if any,
// stops with it. The session's error is returned.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)
	sessionDone := make(chan struct{})

	var sessionErr error
	g.Go(func() error {
		defer close(sessionDone)
		sessionErr = a.ctrl.Run(gctx)
		return nil
	})

	if a.cfg.OpsAddr != "" {
		srv := a.opsServer()
		a.log.Info("ops.start", "addr", a.cfg.OpsAddr, "db_enabled", a.dbPool != nil)

		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("ops.fail", "err", err)
				return fmt.Errorf("ops server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-sessionDone:
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.log.Error("ops.shutdown.fail", "err", err)
				return err
			}
			a.log.Info("ops.stopped")
			return nil
		})
	}

	if err := g.Wait(); err != nil && sessionErr == nil {
		return err
	}
	return sessionErr
}

func (a *App) opsServer() *http.Server {
	mux := http.NewServeMux()
	registerOps(mux, a.log, opsDeps{
		dbPool:  a.dbPool,
		audit:   a.audit,
		session: a.ctrl.Session,
	})
	return &http.Server{
		Addr:              a.cfg.OpsAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (a *App) close() {
	if a.audit != nil {
		_ = a.audit.Close()
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

// newAuditStore decides between the Postgres-backed store and the in-memory fallback.
// The app owns the pool; PostgresStore.Close() is a no-op.
func newAuditStore(ctx context.Context, cfg Config, log Logger) (audit.Store, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_audit")
		return audit.NewInMemoryStore(), nil, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("audit db: %w", err)
	}

	st, err := audit.NewPostgresStore(pool, audit.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := st.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}

	log.Info("db.enabled.postgres_audit", "schema", cfg.DBSchema)
	return st, pool, nil
}
