package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jpalmerr/p1status"
	"github.com/jpalmerr/p1status/internal/hub"
	"github.com/jpalmerr/p1status/internal/store"
)

const (
	// streamWriteTimeout is the maximum time allowed for a single SSE or
	// WebSocket write. This prevents goroutine leaks when clients are slow
	// or disconnected. Must be <= shutdown timeout to ensure clean shutdown.
	streamWriteTimeout = 5 * time.Second

	// shutdownTimeout bounds graceful shutdown of in-flight requests.
	shutdownTimeout = 5 * time.Second

	// refreshTimeout bounds a POST refresh when the client sets no deadline.
	refreshTimeout = 30 * time.Second

	// defaultTitle is used when no custom title is configured.
	defaultTitle = "p1status"

	// titlePlaceholder is the marker in HTML that gets replaced with the actual title.
	titlePlaceholder = "{{.Title}}"
)

// Refresher triggers an out-of-schedule fetch for one device.
type Refresher interface {
	Refresh(ctx context.Context, id string) error
}

// Server handles HTTP requests for the device API and status page.
//
// Server provides these endpoints:
//   - GET /: Serves the embedded status page
//   - GET /api/devices: Returns all device statuses as JSON
//   - GET /api/devices/{id}: Returns one device status
//   - POST /api/devices/{id}/refresh: Fetches now and returns the new status
//   - GET /api/sse: Server-Sent Events stream for real-time updates
//   - GET /api/ws: WebSocket stream for real-time updates
//   - GET /healthz: Liveness plus device availability counts
//
// The server is designed for graceful shutdown via context cancellation.
type Server struct {
	store      store.Store
	refresher  Refresher
	port       int
	httpServer *http.Server
	addr       net.Addr
	assets     fs.FS
	title      string
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	done       chan struct{}
}

// NewServer creates a new HTTP [Server].
//
// Parameters:
//   - st: Store implementation for device status data
//   - refresher: Handles POST refresh requests (may be nil to disable them)
//   - port: TCP port to listen on, 0 for any free port
//   - assets: Embedded filesystem containing the status page (may be nil)
//   - title: Page title (defaults to "p1status" if empty)
//   - logger: Logger for server events
//
// The server is not started until [Server.Start] is called.
func NewServer(st store.Store, refresher Refresher, port int, assets fs.FS, title string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:     st,
		refresher: refresher,
		port:      port,
		assets:    assets,
		title:     title,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// same policy as the SSE stream's Access-Control-Allow-Origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// API routes
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("GET /api/devices/{id}", s.handleDevice)
	mux.HandleFunc("POST /api/devices/{id}/refresh", s.handleRefresh)
	mux.HandleFunc("GET /api/sse", s.handleSSE)
	mux.HandleFunc("GET /api/ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	// serve status page assets
	if s.assets != nil {
		mux.HandleFunc("GET /", s.handleDashboard)
	}

	return mux
}

// Start begins serving HTTP requests in a background goroutine.
//
// Start is non-blocking and returns immediately after confirming the server
// is listening. The server will continue running until the context is
// cancelled, at which point it initiates a graceful shutdown with a 5-second
// timeout; [Server.Done] is closed once shutdown has finished.
//
// Returns an error if the server fails to bind to the configured port.
func (s *Server) Start(ctx context.Context) error {
	// create listener first to verify port availability synchronously
	addr := fmt.Sprintf(":%d", s.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to port %d: %w", s.port, err)
	}
	s.addr = ln.Addr()

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// BaseContext derives all request contexts from the server context.
		// When ctx is cancelled, all request contexts are also cancelled,
		// enabling graceful shutdown of long-running handlers like SSE.
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	// shutdown on context cancellation
	go func() {
		defer close(s.done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http server shutdown error", "error", err)
		}
	}()

	s.logger.Info("http server listening", "addr", s.addr.String())
	return nil
}

// Addr returns the bound listener address, or nil before [Server.Start].
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Done is closed when the server has shut down after a successful Start.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// handleDashboard serves the status page.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	if s.assets == nil {
		http.Error(w, "Status page not found", http.StatusInternalServerError)
		return
	}

	content, err := fs.ReadFile(s.assets, "assets/index.html")
	if err != nil {
		http.Error(w, "Status page not found", http.StatusInternalServerError)
		return
	}

	// apply title substitution with HTML escaping to prevent XSS
	title := s.title
	if title == "" {
		title = defaultTitle
	}
	safeTitle := html.EscapeString(title)
	rendered := strings.ReplaceAll(string(content), titlePlaceholder, safeTitle)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if _, err = w.Write([]byte(rendered)); err != nil {
		s.logger.Error("failed to write status page response", "error", err)
	}
}

// handleDevices returns all device statuses as JSON.
func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.GetAll())
}

// handleDevice returns one device status as JSON.
func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, ok := s.store.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown device "+id, "")
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// handleRefresh fetches from the device now and returns the resulting status.
//
// A failed fetch answers 502 with the error and its kind; the device status
// is still updated through the store as for any failed cycle.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.refresher == nil {
		s.writeError(w, http.StatusNotImplemented, "refresh not supported", "")
		return
	}

	id := r.PathValue("id")

	ctx, cancel := context.WithTimeout(r.Context(), refreshTimeout)
	defer cancel()

	err := s.refresher.Refresh(ctx, id)
	switch {
	case errors.Is(err, hub.ErrUnknownDevice):
		s.writeError(w, http.StatusNotFound, "unknown device "+id, "")
		return
	case errors.Is(err, p1status.ErrStopped), errors.Is(err, p1status.ErrNotRunning):
		s.writeError(w, http.StatusConflict, err.Error(), "")
		return
	case err != nil:
		s.logger.Warn("manual refresh failed", "device", id, "error", err.Error())
		s.writeError(w, http.StatusBadGateway, err.Error(), p1status.ErrorKind(err))
		return
	}

	status, ok := s.store.Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown device "+id, "")
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

type healthResponse struct {
	Status    string `json:"status"`
	Devices   int    `json:"devices"`
	Available int    `json:"available"`
}

// handleHealth reports liveness. It always answers 200; unavailable devices
// are reported in the body, not as a failed probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	all := s.store.GetAll()
	resp := healthResponse{Status: "ok", Devices: len(all)}
	for _, d := range all {
		if d.Available {
			resp.Available++
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type errorResponse struct {
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg, kind string) {
	s.writeJSON(w, code, errorResponse{Error: msg, ErrorKind: kind})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// handleSSE streams device updates via Server-Sent Events.
//
// The handler uses write deadlines to prevent goroutine leaks when clients are
// slow or disconnected. Without deadlines, a blocked Fprintf call would prevent
// the handler from detecting context cancellation or channel closure.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	// check if flushing is supported
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	// ResponseController provides deadline-aware write and flush operations.
	rc := http.NewResponseController(w)

	// track if write deadlines are supported (may not be for some ResponseWriter impls)
	deadlinesSupported := true

	// writeAndFlush writes SSE data with a deadline to prevent blocking forever.
	writeAndFlush := func(data []byte) error {
		if deadlinesSupported {
			if err := rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
				// deadline not supported by underlying connection, continue without
				s.logger.Warn("sse write deadlines not supported", "error", err)
				deadlinesSupported = false
			}
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}

		// ResponseController.Flush respects the write deadline
		return rc.Flush()
	}

	// set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	s.stream(r.Context(), func(status store.DeviceStatus) error {
		data, err := json.Marshal(status)
		if err != nil {
			return nil
		}
		return writeAndFlush(data)
	})
}

// handleWS streams device updates over a WebSocket, one JSON text message
// per update. Messages from the client are read and discarded; a read error
// ends the stream.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// the read loop detects client close frames and dropped connections
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.stream(ctx, func(status store.DeviceStatus) error {
		if err := conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil {
			return err
		}
		return conn.WriteJSON(status)
	})

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(time.Second))
}

// stream sends every stored status, then every update, to send until ctx is
// done, the subscription closes or send fails.
func (s *Server) stream(ctx context.Context, send func(store.DeviceStatus) error) {
	// subscribe before the initial snapshot so no update is lost in between
	ch := s.store.Subscribe()
	defer s.store.Unsubscribe(ch)

	for _, status := range s.store.GetAll() {
		if err := send(status); err != nil {
			return
		}
	}

	for {
		select {
		case status, ok := <-ch:
			if !ok {
				return
			}
			if err := send(status); err != nil {
				return
			}

		case <-ctx.Done():
			// request context is derived from server context via BaseContext,
			// so this fires on both client disconnect AND server shutdown
			return
		}
	}
}
