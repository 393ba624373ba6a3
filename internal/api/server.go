package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/fleetlink/internal/auth"
	"github.com/danmuck/fleetlink/internal/command"
	"github.com/danmuck/fleetlink/internal/config"
	"github.com/danmuck/fleetlink/internal/firmware"
	"github.com/danmuck/fleetlink/internal/fleet"
	"github.com/danmuck/fleetlink/internal/link"
	"github.com/danmuck/fleetlink/internal/logging"
	"github.com/danmuck/fleetlink/internal/observability"
	"github.com/danmuck/fleetlink/internal/protocol/frame"
	"github.com/danmuck/fleetlink/internal/protocol/session"
	"github.com/danmuck/fleetlink/internal/registry"
	"github.com/danmuck/fleetlink/internal/router"
	"github.com/danmuck/fleetlink/internal/telemetry"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const version = "0.1.0"

// maxFirmwareBytes bounds multipart firmware uploads.
const maxFirmwareBytes = 16 << 20

var (
	ErrUploadInProgress = errors.New("api: firmware upload already in progress")
	ErrUnknownKind      = errors.New("api: unknown telemetry kind")
	ErrBadRequest       = errors.New("api: bad request")
)

// Server exposes a fleet.Service over HTTP and a websocket event feed.
type Server struct {
	ID      string
	Addr    string
	Started time.Time

	svc      *fleet.Service
	firmware *firmware.Uploader
	router   *gin.Engine
	events   *hub
	tls      session.TLSConfig
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	uploads map[string]UploadStatus
	unwatch []func()
	wg      sync.WaitGroup
}

// UploadStatus is the last known state of an endpoint's firmware upload.
type UploadStatus struct {
	EndpointID string            `json:"endpoint_id"`
	Filename   string            `json:"filename"`
	Version    string            `json:"version,omitempty"`
	Active     bool              `json:"active"`
	Progress   firmware.Progress `json:"progress"`
	Result     *firmware.Result  `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
}

// New builds the HTTP surface for svc and subscribes the event feed to its
// state, diagnostic and telemetry streams.
func New(id string, svc *fleet.Service, cfg config.APIConfig, fw firmware.Options) *Server {
	observability.RegisterMetrics()
	log := logging.Component("api")

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log))
	r.Use(observability.RequestMetricsMiddleware(id))
	origins := normalizeOrigins(cfg.CORSOrigins)
	r.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	if tokens := auth.Tokens(cfg.Tokens); tokens.Enabled() {
		r.Use(requireToken(tokens, "/health", "/metrics"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		ID:       id,
		Addr:     cfg.Listen,
		Started:  time.Now(),
		svc:      svc,
		firmware: firmware.NewUploader(svc, fw),
		router:   r,
		events:   newHub(log, cfg.EventBuffer, origins),
		tls:      cfg.TLS,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		uploads:  make(map[string]UploadStatus),
	}
	s.unwatch = append(s.unwatch,
		svc.SubscribeState(func(ch link.StateChange) { s.events.publish(stateEvent(ch)) }),
		svc.SubscribeDiagnostics(func(d router.Diagnostic) { s.events.publish(diagnosticEvent(d)) }),
		svc.SubscribeTelemetry(func(u telemetry.Update) { s.events.publish(telemetryEvent(u)) }),
	)
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

// Serve listens on Addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", s.Addr, err)
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener serves on ln, over TLS when the API config enables it.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if s.tls.Enabled {
		tlsCfg, err := session.Config{TLS: s.tls}.ServerTLSConfig()
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("api: tls: %w", err)
		}
		srv.TLSConfig = tlsCfg
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Bool("tls", srv.TLSConfig != nil).Bool("mutual", s.tls.Mutual).Msg("api.Server listening")
		if srv.TLSConfig != nil {
			errCh <- srv.ServeTLS(ln, "", "")
			return
		}
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	s.events.close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

// Close stops in-flight firmware uploads and disconnects event clients.
func (s *Server) Close() {
	s.cancel()
	s.mu.Lock()
	unwatch := s.unwatch
	s.unwatch = nil
	s.mu.Unlock()
	for _, fn := range unwatch {
		fn()
	}
	s.events.close()
	s.wg.Wait()
}

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(s.Started).String(),
			"service":   s.ID,
			"version":   version,
			"endpoints": len(s.svc.Endpoints()),
			"listeners": s.events.count(),
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/events", s.events.serve)

	r.GET("/endpoints", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"endpoints": s.svc.Endpoints()})
	})
	r.POST("/endpoints", s.addEndpoint)
	r.GET("/endpoints/:id", func(c *gin.Context) {
		st, err := s.svc.Endpoint(c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	})
	r.DELETE("/endpoints/:id", func(c *gin.Context) {
		if !s.svc.Remove(c.Param("id")) {
			writeError(c, registry.ErrUnknownEndpoint)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "removed", "endpoint_id": c.Param("id")})
	})
	r.POST("/endpoints/:id/connect", s.connect)
	r.POST("/endpoints/:id/disconnect", func(c *gin.Context) {
		if err := s.svc.Disconnect(c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "disconnected", "endpoint_id": c.Param("id")})
	})

	r.GET("/endpoints/:id/commands", func(c *gin.Context) {
		if _, err := s.svc.Endpoint(c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"pending": s.svc.Commands().Pending(c.Param("id"))})
	})
	r.POST("/endpoints/:id/commands", s.sendCommand)
	r.POST("/endpoints/:id/frames", s.postFrame)
	r.POST("/endpoints/:id/streams/:stream", s.setStream)
	r.POST("/endpoints/:id/firmware", s.uploadFirmware)
	r.GET("/endpoints/:id/firmware", func(c *gin.Context) {
		s.mu.Lock()
		st, ok := s.uploads[c.Param("id")]
		s.mu.Unlock()
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no firmware upload recorded"})
			return
		}
		c.JSON(http.StatusOK, st)
	})

	r.GET("/endpoints/:id/telemetry/:kind/latest", s.latest)
	r.GET("/endpoints/:id/telemetry/:kind/history", s.history)
	r.GET("/endpoints/:id/telemetry/:kind", s.telemetryState)
	r.POST("/endpoints/:id/telemetry/:kind/pause", s.setPaused(true))
	r.POST("/endpoints/:id/telemetry/:kind/resume", s.setPaused(false))
}

type endpointRequest struct {
	ID          string `json:"id"`
	Address     string `json:"address"`
	Role        string `json:"role"`
	Codec       string `json:"codec"`
	AutoConnect bool   `json:"auto_connect"`
}

func (s *Server) addEndpoint(c *gin.Context) {
	var req endpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	role, err := registry.ParseRole(req.Role)
	if err != nil {
		writeError(c, err)
		return
	}
	ep, err := s.svc.AddEndpoint(registry.Endpoint{
		ID:      strings.TrimSpace(req.ID),
		Address: strings.TrimSpace(req.Address),
		Role:    role,
		Codec:   req.Codec,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if req.AutoConnect {
		if err := s.svc.Connect(ep.ID); err != nil {
			writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, ep)
}

// connect starts a connection attempt. With ?wait=<duration> it blocks until
// the link is connected, fails or the wait elapses.
func (s *Server) connect(c *gin.Context) {
	id := c.Param("id")
	raw := c.Query("wait")
	if raw == "" {
		if err := s.svc.Connect(id); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "connecting", "endpoint_id": id})
		return
	}
	wait, err := time.ParseDuration(raw)
	if err != nil || wait <= 0 {
		writeError(c, fmt.Errorf("%w: wait=%q", ErrBadRequest, raw))
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
	defer cancel()
	if err := s.svc.ConnectAndWait(ctx, id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "connected", "endpoint_id": id})
}

type commandRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
	// TimeoutMS overrides the configured command timeout when positive.
	TimeoutMS int `json:"timeout_ms"`
}

func (s *Server) sendCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	reply, err := s.svc.SendCommandTimeout(c.Request.Context(), c.Param("id"), req.Type, req.Payload, timeout)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reply": reply})
}

func (s *Server) postFrame(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	if err := s.svc.Post(c.Param("id"), req.Type, req.Payload); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "sent"})
}

func (s *Server) setStream(c *gin.Context) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	if err := s.svc.SetStream(c.Param("id"), c.Param("stream"), req.Enabled); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"stream": c.Param("stream"), "enabled": req.Enabled})
}

// uploadFirmware accepts a multipart "image" file and streams it to the
// endpoint in the background. Progress is published on /events.
func (s *Server) uploadFirmware(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.svc.Endpoint(id); err != nil {
		writeError(c, err)
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxFirmwareBytes)
	header, err := c.FormFile("image")
	if err != nil {
		writeError(c, fmt.Errorf("%w: image: %v", ErrBadRequest, err))
		return
	}
	f, err := header.Open()
	if err != nil {
		writeError(c, err)
		return
	}
	data, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		writeError(c, err)
		return
	}
	img := firmware.Image{Filename: header.Filename, Version: c.PostForm("version"), Data: data}
	if len(img.Data) == 0 {
		writeError(c, firmware.ErrEmptyImage)
		return
	}

	s.mu.Lock()
	if st, ok := s.uploads[id]; ok && st.Active {
		s.mu.Unlock()
		writeError(c, ErrUploadInProgress)
		return
	}
	st := UploadStatus{
		EndpointID: id,
		Filename:   img.Filename,
		Version:    img.Version,
		Active:     true,
		Progress:   firmware.Progress{EndpointID: id, Total: s.firmware.ChunkCount(len(data))},
		StartedAt:  time.Now(),
	}
	s.uploads[id] = st
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.firmware.Upload(s.ctx, id, img, func(p firmware.Progress) {
			s.updateUpload(id, func(st *UploadStatus) { st.Progress = p })
			s.events.publish(firmwareEvent(p))
		})
		s.updateUpload(id, func(st *UploadStatus) {
			st.Active = false
			if err != nil {
				st.Error = err.Error()
				return
			}
			st.Result = &res
		})
		if err != nil {
			s.log.Warn().Err(err).Str("endpoint", id).Msg("api.Server firmware upload failed")
		}
	}()
	c.JSON(http.StatusAccepted, st)
}

func (s *Server) updateUpload(id string, fn func(*UploadStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.uploads[id]
	fn(&st)
	s.uploads[id] = st
}

func (s *Server) latest(c *gin.Context) {
	id, kind, ok := s.telemetryTarget(c)
	if !ok {
		return
	}
	sample, found := s.svc.Latest(id, kind)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no samples yet"})
		return
	}
	c.JSON(http.StatusOK, sample)
}

// history returns samples newer than ?since (seconds) capped to the newest
// ?limit entries.
func (s *Server) history(c *gin.Context) {
	id, kind, ok := s.telemetryTarget(c)
	if !ok {
		return
	}
	since := 0.0
	if raw := c.Query("since"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(c, fmt.Errorf("%w: since=%q", ErrBadRequest, raw))
			return
		}
		since = v
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeError(c, fmt.Errorf("%w: limit=%q", ErrBadRequest, raw))
			return
		}
		limit = v
	}
	samples := s.svc.HistorySince(id, kind, since, limit)
	if samples == nil {
		samples = []telemetry.Sample{}
	}
	c.JSON(http.StatusOK, gin.H{"endpoint_id": id, "kind": kind, "paused": s.svc.HistoryPaused(id, kind), "samples": samples})
}

func (s *Server) telemetryState(c *gin.Context) {
	id, kind, ok := s.telemetryTarget(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoint_id": id, "kind": kind, "paused": s.svc.HistoryPaused(id, kind)})
}

func (s *Server) setPaused(paused bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, kind, ok := s.telemetryTarget(c)
		if !ok {
			return
		}
		if paused {
			s.svc.PauseHistory(id, kind)
		} else {
			s.svc.ResumeHistory(id, kind)
		}
		c.JSON(http.StatusOK, gin.H{"endpoint_id": id, "kind": kind, "paused": paused})
	}
}

func (s *Server) telemetryTarget(c *gin.Context) (string, telemetry.Kind, bool) {
	id := c.Param("id")
	if _, err := s.svc.Endpoint(id); err != nil {
		writeError(c, err)
		return "", "", false
	}
	kind, ok := telemetry.ParseKind(c.Param("kind"))
	if !ok {
		writeError(c, fmt.Errorf("%w: %q", ErrUnknownKind, c.Param("kind")))
		return "", "", false
	}
	return id, kind, true
}

// requireToken rejects requests without a valid bearer token. The
// websocket feed may pass the token as ?token= since browsers cannot set
// headers on upgrade requests.
func requireToken(v auth.Validator, open ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, path := range open {
			if c.FullPath() == path {
				c.Next()
				return
			}
		}
		token, err := auth.BearerToken(c.GetHeader("Authorization"))
		if err != nil && c.FullPath() == "/events" {
			token, err = c.Query("token"), nil
		}
		if err == nil {
			err = v.Validate(token)
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrUnknownEndpoint):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrEndpointConflict), errors.Is(err, ErrUploadInProgress):
		return http.StatusConflict
	case errors.Is(err, command.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, command.ErrCommandRejected), errors.Is(err, firmware.ErrUploadRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, command.ErrConnectionFailed),
		errors.Is(err, command.ErrNotConnected),
		errors.Is(err, command.ErrConnectionClosed):
		return http.StatusBadGateway
	case errors.Is(err, fleet.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, ErrUnknownKind),
		errors.Is(err, command.ErrTypeRequired),
		errors.Is(err, registry.ErrEndpointIDRequired),
		errors.Is(err, registry.ErrInvalidRole),
		errors.Is(err, frame.ErrUnknownCodec),
		errors.Is(err, link.ErrUnsupportedScheme),
		errors.Is(err, link.ErrAddressRequired),
		errors.Is(err, link.ErrBinaryCodecOnLines),
		errors.Is(err, fleet.ErrInvalidMotorSpeeds),
		errors.Is(err, fleet.ErrInvalidMotorID),
		errors.Is(err, fleet.ErrUnknownStream),
		errors.Is(err, firmware.ErrEmptyImage):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
