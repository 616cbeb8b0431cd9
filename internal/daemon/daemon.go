package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cyphermesh/cyphermesh/internal/api"
	"github.com/cyphermesh/cyphermesh/internal/health"
	"github.com/cyphermesh/cyphermesh/internal/infra/healing"
	_ "github.com/cyphermesh/cyphermesh/internal/infra/metrics" // Register Prometheus metrics
	"github.com/cyphermesh/cyphermesh/internal/infra/sink"
	"github.com/cyphermesh/cyphermesh/internal/infra/sqlite"
	"github.com/cyphermesh/cyphermesh/internal/mesh"
	"github.com/cyphermesh/cyphermesh/internal/security"
)

const shutdownTimeout = 10 * time.Second

// Daemon is the CypherMesh runtime. It wires the store, identity, mesh
// node, sinks, health checks and admin API together.
type Daemon struct {
	Config  Config
	Home    string
	Logger  *logrus.Logger
	DB      *sqlite.DB
	Keypair *security.Keypair
	Node    *mesh.Node
	Server  *api.Server
	Hub     *api.Hub
	Health  *health.Checker

	redis      *sink.Redis
	redisGuard *sink.Guarded
	archive    *sink.Archive
	logFile    io.Closer

	mu       sync.Mutex
	bound    bool
	apiLn    net.Listener
	closeOne sync.Once
}

// New creates a Daemon for the data directory home with all services wired.
func New(home string, cfg Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := os.MkdirAll(home, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	logger, logFile, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	log := logger.WithField("component", "daemon")

	if cfg.Node.IP == "" {
		cfg.Node.IP = DetectIP()
		log.WithField("ip", cfg.Node.IP).Info("detected node ip")
	}
	if saved, err := persistIdentity(home, cfg.Node.IP, cfg.Node.Port); err != nil {
		log.WithError(err).Warn("could not save configuration")
	} else if saved {
		log.WithField("path", home).Info("configuration saved")
	}

	db, err := sqlite.Open(home)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	kp, err := security.LoadOrCreateKeypair(home)
	if err != nil {
		db.Close()
		logFile.Close()
		return nil, fmt.Errorf("load keys: %w", err)
	}

	d := &Daemon{
		Config:  cfg,
		Home:    home,
		Logger:  logger,
		DB:      db,
		Keypair: kp,
		logFile: logFile,
	}

	// Sinks are optional. An unreachable one is logged and skipped.
	d.Hub = api.NewHub(logger.WithField("component", "api.stream"))
	sinks := sink.Multi{d.Hub}
	sinkLog := logger.WithField("component", "sink")
	if cfg.Sink.RedisURL != "" {
		r, err := sink.NewRedis(cfg.Sink.RedisURL, cfg.Sink.Channel, sinkLog)
		if err != nil {
			sinkLog.WithError(err).Warn("redis sink disabled")
		} else {
			d.redis = r
			d.redisGuard = sink.Guard("redis", r, healing.NewBreaker("redis", healing.DefaultConfig(), sinkLog))
			sinks = append(sinks, d.redisGuard)
		}
	}
	if cfg.Sink.PostgresURL != "" {
		a, err := sink.NewArchive(cfg.Sink.PostgresURL, sinkLog)
		if err != nil {
			sinkLog.WithError(err).Warn("postgres archive disabled")
		} else {
			d.archive = a
			sinks = append(sinks, a)
		}
	}

	meshCfg, err := cfg.MeshConfig()
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Node = mesh.New(meshCfg, db, kp, sinks, logger)

	d.Health = health.NewChecker(db, home, logger.WithField("component", "health"))
	if d.redisGuard != nil {
		breaker := d.redisGuard.Breaker()
		d.Health.AddCheck(health.Check{
			Name: "redis",
			CheckFn: func(context.Context) error {
				if breaker.State() == healing.Open {
					return healing.ErrCircuitOpen
				}
				return nil
			},
		})
	}

	d.Server = api.NewServer(d.Node, db, logger.WithField("component", "api"))
	d.Server.SetHealth(d.Health)
	d.Server.SetHub(d.Hub)
	if cfg.Telemetry.Prometheus {
		d.Server.EnableMetrics()
	}

	return d, nil
}

// Bind opens the mesh sockets and the API listener. Serve calls it when
// needed; calling it first lets callers learn the bound addresses.
func (d *Daemon) Bind() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bound {
		return nil
	}
	if err := d.Node.Bind(); err != nil {
		return fmt.Errorf("bind mesh listener: %w", err)
	}
	if d.Config.API.Enabled {
		addr := net.JoinHostPort(d.Config.API.Host, strconv.Itoa(d.Config.API.Port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("bind api listener: %w", err)
		}
		d.apiLn = ln
	}
	d.bound = true
	return nil
}

// APIAddr returns the bound API address, or "" before Bind or when the API
// is disabled.
func (d *Daemon) APIAddr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.apiLn == nil {
		return ""
	}
	return d.apiLn.Addr().String()
}

// Serve runs every service until ctx is cancelled or SIGINT/SIGTERM
// arrives, then shuts down and releases all resources.
func (d *Daemon) Serve(ctx context.Context) error {
	defer d.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.Bind(); err != nil {
		return err
	}
	if d.archive != nil {
		d.archive.Start()
	}

	log := d.Logger.WithField("component", "daemon")
	id := d.Node.Identity()
	fields := logrus.Fields{"node": id.Address(), "discovery": d.Config.Discovery.Enabled}
	if addr := d.APIAddr(); addr != "" {
		fields["api"] = "http://" + addr
	}
	log.WithFields(fields).Info("cyphermesh serving")

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return d.Node.Run(ctx)
	})
	group.Go(func() error {
		d.Health.Run(ctx)
		return nil
	})

	if d.apiLn != nil {
		httpServer := &http.Server{
			Handler:           d.Server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
		}
		group.Go(func() error {
			if err := httpServer.Serve(d.apiLn); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			d.Hub.Close()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	err := group.Wait()
	log.Info("cyphermesh stopped")
	return err
}

// Close shuts down all daemon resources. It is safe to call more than once.
func (d *Daemon) Close() {
	d.closeOne.Do(func() {
		if d.Hub != nil {
			d.Hub.Close()
		}
		if d.Node != nil {
			d.Node.Close()
		}
		if d.archive != nil {
			d.archive.Stop()
		}
		if d.redis != nil {
			_ = d.redis.Close()
		}
		d.mu.Lock()
		if d.apiLn != nil {
			_ = d.apiLn.Close()
		}
		d.mu.Unlock()
		if d.DB != nil {
			_ = d.DB.Close()
		}
		if d.logFile != nil {
			_ = d.logFile.Close()
		}
	})
}
