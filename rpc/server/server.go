package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ValentinKolb/dSync/lib/admission"
	"github.com/ValentinKolb/dSync/lib/presence"
	"github.com/ValentinKolb/dSync/lib/registry"
	"github.com/ValentinKolb/dSync/lib/relay"
	"github.com/ValentinKolb/dSync/lib/snapshot"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/ValentinKolb/dSync/rpc/serializer"
	"github.com/VictoriaMetrics/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	redis "github.com/redis/go-redis/v9"
)

var Logger = logger.GetLogger("server")

// CollabServer wires the collaboration engine (registry, relay, snapshot
// scheduler, presence) to its HTTP/websocket surface.
type CollabServer struct {
	config     common.ServerConfig
	serializer serializer.ISessionSerializer

	store     snapshot.IStore
	relay     relay.IRelay
	presence  presence.ITracker
	auth      admission.IAuthorizer
	registry  registry.IRegistry
	scheduler *snapshot.Scheduler
	adapter   ISessionAdapter

	httpSrv *http.Server
}

// NewCollabServer creates a server from the given configuration. All
// backends (snapshot store, relay, presence, admission) are constructed
// here; Serve starts them.
//
// Usage:
//
//	s, err := server.NewCollabServer(
//		*config,
//		serializer.NewJSONSerializer(),
//	)
//	if err != nil {
//		panic(err)
//	}
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewCollabServer(
	config common.ServerConfig,
	ser serializer.ISessionSerializer,
) (*CollabServer, error) {
	// Init logger
	common.InitLoggers(config)

	if config.NodeID == "" {
		config.NodeID = uuid.NewString()
	}

	Logger.Infof("Created Collaboration Server")
	Logger.Infof(config.String())

	s := &CollabServer{
		config:     config,
		serializer: ser,
	}

	// CREATE BACKENDS

	var err error
	if s.store, err = buildStore(config); err != nil {
		return nil, err
	}
	if s.relay, err = buildRelay(config); err != nil {
		return nil, err
	}
	if s.presence, err = buildPresence(config); err != nil {
		return nil, err
	}

	s.auth = admission.AllowAll{}
	if config.AuthEndpoint != "" {
		s.auth = admission.NewHTTPAuthorizer(config.AuthEndpoint)
	}

	if s.registry, err = registry.New(registry.Config{
		NodeID:        config.NodeID,
		IdleAfter:     config.IdleAfter(),
		EvictInterval: config.EvictInterval(),
		// groups build the subscriber frame once per commit; every attached
		// session receives the same serialized diff message
		EncodeDiff: func(diff []byte) ([]byte, error) {
			return ser.Serialize(*common.NewDiffMessage(diff))
		},
	}, s.store, s.relay, s.auth); err != nil {
		return nil, err
	}

	s.scheduler = snapshot.NewScheduler(s.store, s.registry, snapshot.SchedulerConfig{
		Interval:     config.FlushInterval(),
		WriteTimeout: config.WriteTimeout(),
	})

	s.adapter = NewSessionAdapter(s.registry, s.presence)

	Logger.Infof("dSync setup completed successfully")
	return s, nil
}

func buildStore(config common.ServerConfig) (snapshot.IStore, error) {
	switch config.Storage {
	case common.StorageMemory, "":
		return snapshot.NewMemoryStore(), nil
	case common.StorageBadger:
		return snapshot.NewBadgerStore(config.DataDir)
	case common.StorageMySQL:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return snapshot.NewSQLStore(ctx, config.MySQLDSN)
	default:
		return nil, fmt.Errorf("invalid storage backend: %s", config.Storage)
	}
}

func buildRelay(config common.ServerConfig) (relay.IRelay, error) {
	switch config.Relay {
	case common.RelayMemory, "":
		return relay.NewMemoryRelay(), nil
	case common.RelayKafka:
		return relay.NewKafkaRelay(relay.KafkaConfig{
			Brokers: config.KafkaBrokers,
			Topic:   config.KafkaTopic,
			// distinct group per node: the relay is a fan-out stream
			GroupID: "dsync-" + config.NodeID,
		}, relay.NewJSONSerializer())
	default:
		return nil, fmt.Errorf("invalid relay backend: %s", config.Relay)
	}
}

func buildPresence(config common.ServerConfig) (presence.ITracker, error) {
	if config.Presence == common.PresenceRedis {
		opts, err := redis.ParseURL(config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		return presence.NewRedisTracker(redis.NewClient(opts)), nil
	}
	return presence.NewMemoryTracker(), nil
}

// --------------------------------------------------------------------------
// HTTP surface
// --------------------------------------------------------------------------

func (s *CollabServer) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "node": s.config.NodeID})
	})
	r.GET("/metrics", func(c *gin.Context) {
		metrics.WritePrometheus(c.Writer, true)
	})

	v1 := r.Group("/v1")
	{
		v1.GET("/docs/:id/ws", s.handleSession)
		v1.GET("/docs/:id/content", s.handleContent)
		v1.GET("/docs/:id/members", s.handleMembers)
	}
	return r
}

// authorizeRead gates the read-only REST routes the same way a websocket
// attach is gated. Returns false after writing the refusal.
func (s *CollabServer) authorizeRead(c *gin.Context, docID string) bool {
	clientID := c.Query("client")
	if err := s.auth.Authorize(c.Request.Context(), clientID, docID, admission.ActionAttach); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return false
	}
	return true
}

// handleContent returns the merged document text (read-only REST access,
// used by exports and previews).
func (s *CollabServer) handleContent(c *gin.Context) {
	docID := c.Param("id")
	if !s.authorizeRead(c, docID) {
		return
	}
	g, err := s.registry.GetOrCreate(c.Request.Context(), docID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.String(http.StatusOK, g.Content())
}

// handleMembers lists the document's active participants.
func (s *CollabServer) handleMembers(c *gin.Context) {
	docID := c.Param("id")
	if !s.authorizeRead(c, docID) {
		return
	}
	members, err := s.presence.AliveMembers(c.Request.Context(), docID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Serve starts the flush scheduler and the HTTP/websocket listener and
// blocks until SIGINT/SIGTERM. Shutdown order matters: stop accepting
// sessions, flush all dirty groups, then tear the engine down.
func (s *CollabServer) Serve() error {
	s.scheduler.Start()

	s.httpSrv = &http.Server{
		Addr:    s.config.Endpoint,
		Handler: s.router(),
	}

	errCh := make(chan error, 1)
	go func() {
		Logger.Infof("listening on %s", s.config.Endpoint)
		if err := s.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		Logger.Infof("received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown performs the graceful teardown: no confirmed edit may be lost.
func (s *CollabServer) Shutdown(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.httpSrv != nil {
		keep(s.httpSrv.Shutdown(ctx))
	}
	// final flush pass happens inside Stop
	s.scheduler.Stop(ctx)
	keep(s.registry.Close())
	keep(s.relay.Close())
	keep(s.store.Close())

	Logger.Infof("shutdown complete")
	return firstErr
}
