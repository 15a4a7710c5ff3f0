package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/gin-gonic/contrib/cors"
	"github.com/gin-gonic/gin"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"github.com/scusemua/notebook-relay/common/configuration"
	"github.com/scusemua/notebook-relay/common/jupyter/bus"
	"github.com/scusemua/notebook-relay/common/jupyter/execution"
	"github.com/scusemua/notebook-relay/common/jupyter/heartbeat"
	"github.com/scusemua/notebook-relay/common/jupyter/introspect"
	"github.com/scusemua/notebook-relay/common/jupyter/relay"
	"github.com/scusemua/notebook-relay/common/metrics"
	"github.com/scusemua/notebook-relay/common/utils"
)

var (
	ErrServerAlreadyRunning = errors.New("relay server is already running")
	ErrServerNotRunning     = errors.New("relay server is not running")
)

// RelayServer serves the shell and iopub channels of kernels over websockets, along with the introspection and
// registry endpoints.
type RelayServer struct {
	opts      *configuration.RelayOptions
	registry  bus.KernelRegistry
	connector bus.Connector
	auth      relay.Authenticator
	metrics   *metrics.RelayMetrics

	readOnly atomic.Bool

	// clients holds one execution.Client per kernel, for introspection.
	clients     cmap.ConcurrentMap[string, *execution.Client]
	sourceCache *introspect.SourceCache
	fetcher     *introspect.SourceFetcher
	renderer    *introspect.HTMLRenderer

	// ctx bounds the bus streams of execution clients, which outlive the requests that create them.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	serving    bool
	engine     *gin.Engine
	httpServer *http.Server

	log logger.Logger
}

// NewRelayServer creates a RelayServer. relayMetrics may be nil, in which case nothing is recorded or served at
// /metrics.
func NewRelayServer(opts *configuration.RelayOptions, registry bus.KernelRegistry, connector bus.Connector,
	auth relay.Authenticator, relayMetrics *metrics.RelayMetrics) (*RelayServer, error) {

	sourceCache, err := introspect.NewSourceCache(opts.SourceCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create source cache")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &RelayServer{
		opts:        opts,
		registry:    registry,
		connector:   connector,
		auth:        auth,
		metrics:     relayMetrics,
		clients:     cmap.New[*execution.Client](),
		sourceCache: sourceCache,
		ctx:         ctx,
		cancel:      cancel,
	}
	s.readOnly.Store(opts.ReadOnly)
	s.fetcher = introspect.NewSourceFetcher(s.executor, sourceCache)
	s.renderer = introspect.NewHTMLRenderer(s.executor)
	config.InitLogger(&s.log, s)

	s.engine = s.newEngine()
	return s, nil
}

func (s *RelayServer) newEngine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Logger())
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())

	kernels := engine.Group("/api/kernels")
	{
		kernels.GET("", s.AuthenticateUnlessReadOnly(), s.HandleListKernels)
		kernels.GET("/:kernel_id/shell", s.ServeChannel(bus.ShellMessage))
		kernels.GET("/:kernel_id/iopub", s.ServeChannel(bus.IOMessage))
		kernels.GET("/:kernel_id/source/:name", s.AuthenticateUnlessReadOnly(), s.HandleGetSource)
		kernels.DELETE("/:kernel_id/source", s.Authenticated(), s.HandleInvalidateSources)
		kernels.DELETE("/:kernel_id/source/:name", s.Authenticated(), s.HandleInvalidateSources)
		kernels.GET("/:kernel_id/html/:object", s.AuthenticateUnlessReadOnly(), s.HandleRenderHTML)
	}

	if s.metrics != nil && s.opts.MetricsEnabled {
		engine.GET("/metrics", s.metrics.HandleRequest)
	}

	return engine
}

// SetReadOnly changes whether introspection is open to unauthenticated users. It applies to the next request.
func (s *RelayServer) SetReadOnly(readOnly bool) {
	s.readOnly.Store(readOnly)
}

func (s *RelayServer) ReadOnly() bool {
	return s.readOnly.Load()
}

// Handler returns the server's HTTP handler.
func (s *RelayServer) Handler() http.Handler {
	return s.engine
}

func (s *RelayServer) heartbeatOptions() heartbeat.Options {
	return heartbeat.Options{
		FirstBeatDelay: s.opts.FirstBeatDelay(),
		TimeToDead:     s.opts.TimeToDead(),
	}
}

// Start begins serving HTTP on the configured port.
func (s *RelayServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.serving {
		return ErrServerAlreadyRunning
	}
	s.serving = true

	address := s.opts.Address()
	s.httpServer = &http.Server{
		Addr:    address,
		Handler: s.engine,
	}

	go func() {
		s.log.Info(utils.GreenStyle.Render("Serving kernel channels at %s"), address)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error(utils.RedStyle.Render("HTTP server failed to listen on '%s'. Error: %v"), address, err)
		}
	}()

	return nil
}

// Stop shuts down the HTTP server and closes every execution client.
func (s *RelayServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.serving {
		return ErrServerNotRunning
	}
	s.serving = false

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		s.log.Error("Failed to cleanly shutdown the HTTP server: %v", err)
	}

	s.Close()
	return err
}

// Close releases every execution client and their bus streams.
func (s *RelayServer) Close() {
	s.cancel()
	for item := range s.clients.IterBuffered() {
		_ = item.Val.Close()
		s.clients.Remove(item.Key)
	}
}

// ForgetKernel closes the execution client of a kernel and drops its cached sources.
func (s *RelayServer) ForgetKernel(kernelID string) {
	if client, ok := s.clients.Pop(kernelID); ok {
		_ = client.Close()
	}

	if n := s.sourceCache.InvalidateKernel(kernelID); n > 0 {
		s.log.Debug("Dropped %d cached source(s) of kernel %s.", n, kernelID)
	}
}

// executor returns the execution client of a kernel, connecting one if there is none or the last one failed.
func (s *RelayServer) executor(ctx context.Context, kernelID string) (introspect.Executor, error) {
	if _, ok, err := s.registry.Lookup(ctx, kernelID); err != nil {
		return nil, err
	} else if !ok {
		s.ForgetKernel(kernelID)
		return nil, errors.Wrap(bus.ErrKernelNotFound, kernelID)
	}

	if client, ok := s.clients.Get(kernelID); ok {
		if !client.Closed() {
			return client, nil
		}
		s.clients.RemoveCb(kernelID, func(_ string, v *execution.Client, exists bool) bool {
			return exists && v == client
		})
	}

	client, err := s.connect(kernelID)
	if err != nil {
		return nil, err
	}

	// Another request may have connected first.
	if !s.clients.SetIfAbsent(kernelID, client) {
		if existing, ok := s.clients.Get(kernelID); ok {
			_ = client.Close()
			return existing, nil
		}
		s.clients.Set(kernelID, client)
	}
	return client, nil
}

func (s *RelayServer) connect(kernelID string) (*execution.Client, error) {
	codec, err := s.connector.NewCodec(s.ctx, kernelID)
	if err != nil {
		return nil, err
	}

	shell, err := s.connector.CreateShellStream(s.ctx, kernelID)
	if err != nil {
		return nil, err
	}

	iopub, err := s.connector.CreateIOPubStream(s.ctx, kernelID)
	if err != nil {
		_ = shell.Close()
		return nil, err
	}

	s.log.Debug("Connected execution client to kernel %s.", kernelID)
	return execution.NewClient(shell, iopub, codec, execution.Options{
		Timeout:           s.opts.ExecuteTimeout(),
		ResultGracePeriod: s.opts.ResultGracePeriod(),
		Metrics:           s.metrics,
	}), nil
}
