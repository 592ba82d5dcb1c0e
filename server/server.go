// Package server assembles the federation engine behind an HTTP surface:
// entity resolution and mutation routing on the GraphQL endpoint, metadata
// hot reload on /schema/reload.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/berrygraph/federation-engine/cache"
	"github.com/berrygraph/federation-engine/federation"
	"github.com/berrygraph/federation-engine/storage"
	"github.com/berrygraph/federation-engine/telemetry"
)

// Server owns the engine's long-lived pieces and their shutdown order.
type Server struct {
	opt     Option
	logger  *zap.Logger
	sink    *telemetry.ZapSink
	handler *Handler

	db          *storage.PostgresExecutor
	entityCache *cache.EntityCache

	shutdownTracing func(context.Context) error
}

// New builds the server from configuration: logger, sink, snapshot holder,
// collaborators, handler. Metadata configured at startup must activate
// cleanly; a broken file is a deployment error, not something to serve
// through.
func New(opt Option) (*Server, error) {
	logger, err := buildLogger(opt.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	sink := telemetry.NewZapSink(logger, 1024)

	holder := federation.NewSnapshotHolder()
	if opt.MetadataFile != "" {
		md, err := LoadMetadata(opt.MetadataFile)
		if err != nil {
			return nil, err
		}
		if _, err := holder.Activate(md); err != nil {
			return nil, fmt.Errorf("startup metadata rejected: %w", err)
		}
		logger.Info("federation metadata activated",
			zap.String("version", md.Version),
			zap.Int("types", len(md.Types)))
	}

	shutdownTracing, err := setupTracing(context.Background(), opt.Opentelemetry.TracingSetting, opt.ServiceName)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: opt.Timeout()}
	if opt.Opentelemetry.TracingSetting.Enable {
		httpClient.Transport = otelhttp.NewTransport(http.DefaultTransport)
	}

	endpoints := make(map[string]string, len(opt.Subgraphs))
	for _, s := range opt.Subgraphs {
		endpoints[s.Name] = s.Endpoint
	}
	clientOpts := []federation.ClientOption{federation.WithClientSink(sink)}
	for typename, fields := range opt.TypeSelections {
		clientOpts = append(clientOpts, federation.WithTypeSelection(typename, fields))
	}
	subgraphClient := federation.NewSubgraphClient(httpClient, endpoints, clientOpts...)

	srv := &Server{
		opt:             opt,
		logger:          logger,
		sink:            sink,
		shutdownTracing: shutdownTracing,
	}

	var dbExecutor federation.DBExecutor
	if opt.Database.DSN != "" {
		db, err := storage.Open(opt.Database)
		if err != nil {
			return nil, err
		}
		srv.db = db
		dbExecutor = db
	}

	var invalidator CacheInvalidator
	if opt.Cache.URL != "" {
		entityCache, err := cache.New(opt.Cache)
		if err != nil {
			return nil, err
		}
		srv.entityCache = entityCache
		invalidator = entityCache
		if dbExecutor != nil {
			dbExecutor = cache.WrapDB(dbExecutor, entityCache)
		}
	}

	resolver := federation.NewEntityResolver(holder, dbExecutor, subgraphClient, federation.WithSink(sink))

	sdl := ""
	if opt.SDLFile != "" {
		src, err := os.ReadFile(opt.SDLFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read sdl file: %w", err)
		}
		sdl = string(src)
	}

	srv.handler = NewHandler(HandlerConfig{
		Endpoint:                    opt.Endpoint,
		SDL:                         sdl,
		Snapshots:                   holder,
		Resolver:                    resolver,
		Mutations:                   subgraphClient,
		Cache:                       invalidator,
		Logger:                      logger,
		Sink:                        sink,
		EnableHangOverRequestHeader: opt.EnableHangOverRequestHeader,
		Timeout:                     opt.Timeout(),
	})

	return srv, nil
}

// Run serves until SIGTERM/SIGINT, then shuts down gracefully.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.opt.Port),
		Handler: s.handler,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("federation engine listening",
			zap.Int("port", s.opt.Port),
			zap.String("endpoint", s.opt.Endpoint))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.close()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := httpServer.Shutdown(shutdownCtx)
	s.close()
	return err
}

func (s *Server) close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Warn("failed to close database", zap.Error(err))
		}
	}
	if s.entityCache != nil {
		if err := s.entityCache.Close(); err != nil {
			s.logger.Warn("failed to close cache", zap.Error(err))
		}
	}
	if s.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Warn("failed to shut down tracing", zap.Error(err))
		}
	}
	s.sink.Close()
	s.logger.Sync()
}

func buildLogger(setting LoggingSetting) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if setting.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	if setting.Level != "" {
		level, err := zap.ParseAtomicLevel(setting.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", setting.Level, err)
		}
		cfg.Level = level
	}
	return cfg.Build()
}
