package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avast/retry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_upload/internal/auth"
	"github.com/austindbirch/harbor_upload/internal/config"
	"github.com/austindbirch/harbor_upload/internal/engine"
	"github.com/austindbirch/harbor_upload/internal/events"
	"github.com/austindbirch/harbor_upload/internal/health"
	"github.com/austindbirch/harbor_upload/internal/ingest"
	"github.com/austindbirch/harbor_upload/internal/logging"
	"github.com/austindbirch/harbor_upload/internal/metrics"
	"github.com/austindbirch/harbor_upload/internal/relay"
	"github.com/austindbirch/harbor_upload/internal/store"
	"github.com/austindbirch/harbor_upload/internal/tracing"
	"github.com/austindbirch/harbor_upload/internal/upload"
)

// Set at build time with -ldflags
var (
	version = "dev"
	commit  = ""
)

const shutdownTimeout = 15 * time.Second

// daemon is the wired upload pipeline: registry -> engine -> observer -> dispatcher
type daemon struct {
	store      store.Store
	dispatcher *events.Dispatcher
	engine     *engine.HTTP
	registry   *upload.Registry
	api        *ingest.Server
}

func newDaemon(ctx context.Context, cfg config.Config, st store.Store) *daemon {
	dispatcher := events.NewDispatcher(events.NewJournal(st), cfg.Dispatch.SubscriberBuffer)
	eng := engine.New(cfg.Engine, &http.Client{Transport: http.DefaultTransport})
	registry := upload.NewRegistry(upload.NewBuilder(nil), eng, events.NewObserver(ctx, dispatcher))

	return &daemon{
		store:      st,
		dispatcher: dispatcher,
		engine:     eng,
		registry:   registry,
		api:        ingest.NewServer(registry, dispatcher, ingest.VersionInfo{Version: version, Commit: commit}),
	}
}

// handler mounts health, metrics and the v1 API, behind JWT auth when a validator is set
func (d *daemon) handler(reg *prometheus.Registry, validator *auth.JWTValidator) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(d.store))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/v1/", d.api.Routes())

	if validator == nil {
		return mux
	}
	return validator.HTTPMiddleware(mux)
}

// shutdown refuses new uploads and cancels running ones, then detaches subscribers.
// Stored terminal events stay in the store for the next start.
func (d *daemon) shutdown(ctx context.Context) error {
	err := d.engine.Shutdown(ctx)
	d.dispatcher.Close()
	return err
}

// newValidator returns nil when auth is not configured. A JWKS endpoint may come up
// after the daemon, so fetching it is retried.
func newValidator(ctx context.Context, cfg config.Auth) (*auth.JWTValidator, error) {
	switch {
	case cfg.PublicKeyPEM != "":
		return auth.NewJWTValidator(cfg.PublicKeyPEM, cfg.Issuer, cfg.Audience)
	case cfg.JWKSURL != "":
		var validator *auth.JWTValidator
		err := retry.Do(
			func() error {
				key, err := auth.FetchJWKS(ctx, cfg.JWKSURL)
				if err != nil {
					return err
				}
				validator = auth.NewJWTValidatorFromKey(key, cfg.Issuer, cfg.Audience)
				return nil
			},
			retry.Context(ctx),
			retry.Attempts(5),
			retry.Delay(time.Second),
			retry.LastErrorOnly(true),
		)
		return validator, err
	default:
		return nil, nil
	}
}

// watchHealth mirrors store reachability into the gRPC health service
func watchHealth(ctx context.Context, hs *grpc_health.Server, p health.Pinger, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		st := healthpb.HealthCheckResponse_SERVING
		if !health.Check(ctx, p).OK {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", st)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func main() {
	cfg := config.FromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.New("harborupload-daemon")

	shutdownTracing, err := tracing.InitTracing(ctx, "harborupload-daemon")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	st, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Plain().WithError(err).WithField("driver", cfg.Store.Driver).Fatal("event store open failed")
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	d := newDaemon(ctx, cfg, st)

	if cfg.NSQ.Enabled {
		fwd, err := relay.NewNSQ(cfg.NSQ)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer creation failed")
		}
		defer fwd.Close()
		d.dispatcher.WithRelay(fwd)
		logger.Plain().WithField("topic", cfg.NSQ.EventsTopic).Info("relaying events to nsq")
	}

	validator, err := newValidator(ctx, cfg.Auth)
	if err != nil {
		logger.Plain().WithError(err).Fatal("jwt validator setup failed")
	}
	if validator == nil {
		logger.Plain().Warn("no JWT key configured, API is unauthenticated")
	}

	// Terminal events left over from a previous run go out before new work arrives
	if n, err := d.dispatcher.Replay(ctx); err != nil {
		logger.Plain().WithError(err).Error("startup replay failed")
	} else {
		logger.Plain().WithField("count", n).Info("startup replay complete")
	}

	// gRPC server (health only)
	grpcOpts := []grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}
	if validator != nil {
		grpcOpts = append(grpcOpts, grpc.UnaryInterceptor(validator.GRPCInterceptor()))
	}
	grpcSrv := grpc.NewServer(grpcOpts...)
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	go watchHealth(ctx, hs, st, 10*time.Second)

	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("daemon gRPC listening")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Fatal("gRPC serve failed")
		}
	}()

	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: d.handler(reg, validator)}
	go func() {
		logger.Plain().WithField("addr", cfg.HTTPPort).Info("daemon HTTP listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Plain().Info("Shutting down daemon")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	_ = httpSrv.Shutdown(shutdownCtx)
	grpcSrv.GracefulStop()
	if err := d.shutdown(shutdownCtx); err != nil {
		logger.Plain().WithError(err).Warn("uploads did not stop before the deadline")
	}
	cancel()
	logger.Plain().Info("daemon stopped")
}
