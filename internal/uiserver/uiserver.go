// Package uiserver exposes the control plane over WebSocket or HTTP and
// serves the dashboard's static assets and Prometheus metrics.
package uiserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/controlbus"
	"github.com/hubertsui/e-mobility-charging-stations-simulator/pkg/config"
)

// Subprotocol is the only WebSocket sub-protocol the UI server speaks.
const Subprotocol = "ui0.0.1"

// protocolVersion is the procedure version accepted in HTTP paths.
const protocolVersion = "0.0.1"

// Server is the control-plane endpoint. Depending on configuration it speaks
// the UI protocol over WebSocket frames or plain HTTP POST.
type Server struct {
	cfg config.UIServerConfig
	bus *controlbus.Bus
	log *zap.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// New builds a UI server bound to the control bus.
func New(cfg config.UIServerConfig, bus *controlbus.Bus, log *zap.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		bus:     bus,
		log:     log,
		clients: make(map[*websocket.Conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		Subprotocols: []string{Subprotocol},
		CheckOrigin:  func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ui/", s.withAuth(s.handleHTTPProcedure))
	mux.HandleFunc("/", s.withAuth(s.handleRoot))

	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving. It returns once the listener is bound; serving
// continues in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("ui server failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.log.Info("UI server listening",
		zap.String("address", s.httpServer.Addr),
		zap.String("protocol", s.cfg.ApplicationProtocol),
	)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("UI server terminated", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down, closing every websocket client.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for conn := range s.clients {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		conn.Close()
	}
	s.clients = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Authentication.Enabled {
			username, password, ok := r.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(username), []byte(s.cfg.Authentication.Username)) != 1 ||
				subtle.ConstantTimeCompare([]byte(password), []byte(s.cfg.Authentication.Password)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="charging stations simulator UI"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

// handleRoot upgrades websocket handshakes and serves static assets for
// everything else.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		if s.cfg.ApplicationProtocol != config.ProtocolWS {
			http.Error(w, "websocket transport is disabled", http.StatusBadRequest)
			return
		}
		s.handleWebSocket(w, r)
		return
	}
	s.serveAssets(w, r)
}

func (s *Server) serveAssets(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		http.Redirect(w, r, "/index.html", http.StatusFound)
		return
	}
	root := s.cfg.AssetsPath
	// Some dashboard builds nest their output one level deeper.
	if _, err := os.Stat(filepath.Join(root, "index.html")); err != nil {
		nested := filepath.Join(root, "dist")
		if _, err := os.Stat(filepath.Join(nested, "index.html")); err == nil {
			root = nested
		}
	}
	http.FileServer(http.Dir(root)).ServeHTTP(w, r)
}

// --- WebSocket transport ---

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	if conn.Subprotocol() != Subprotocol {
		s.log.Warn("Rejecting client with unsupported sub-protocol",
			zap.String("requested", strings.Join(websocket.Subprotocols(r), ",")),
		)
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseProtocolError, "unsupported sub-protocol"), deadline)
		conn.Close()
		return
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()
	s.log.Info("UI client connected", zap.String("remote", conn.RemoteAddr().String()))

	go s.readClient(conn)
}

func (s *Server) readClient(conn *websocket.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("UI client connection lost", zap.Error(err))
			}
			return
		}

		id, req, parseErr := parseUIRequest(data)
		if parseErr != nil {
			s.log.Warn("Malformed UI request", zap.Error(parseErr))
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInvalidFramePayloadData, parseErr.Error()), deadline)
			return
		}

		go func() {
			resp := s.bus.Dispatch(context.Background(), *req)
			s.writeResponse(conn, id, resp)
		}()
	}
}

func (s *Server) writeResponse(conn *websocket.Conn, id string, resp controlbus.Response) {
	frame, err := json.Marshal([]interface{}{id, resp})
	if err != nil {
		s.log.Error("Failed to encode UI response", zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[conn]; !ok {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.log.Warn("Failed to send UI response", zap.Error(err))
	}
}

// parseUIRequest decodes a [id, procedure, payload] frame.
func parseUIRequest(data []byte) (string, *controlbus.Request, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return "", nil, fmt.Errorf("invalid UI protocol frame: %w", err)
	}
	if len(parts) != 3 {
		return "", nil, fmt.Errorf("UI protocol frame must have 3 elements, got %d", len(parts))
	}
	var id string
	if err := json.Unmarshal(parts[0], &id); err != nil {
		return "", nil, fmt.Errorf("invalid UI request id: %w", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		return "", nil, fmt.Errorf("UI request id must be a UUID: %w", err)
	}
	var procedure controlbus.Procedure
	if err := json.Unmarshal(parts[1], &procedure); err != nil {
		return id, nil, fmt.Errorf("invalid UI procedure: %w", err)
	}
	var payload controlbus.RequestPayload
	if err := json.Unmarshal(parts[2], &payload); err != nil {
		return id, nil, fmt.Errorf("invalid UI payload: %w", err)
	}
	return id, &controlbus.Request{ID: id, Procedure: procedure, Payload: payload}, nil
}

// --- HTTP transport ---

// handleHTTPProcedure serves POST /ui/{version}/{procedure}.
func (s *Server) handleHTTPProcedure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "ui" {
		http.Error(w, "expected /ui/{version}/{procedure}", http.StatusNotFound)
		return
	}
	if parts[1] != protocolVersion {
		http.Error(w, fmt.Sprintf("unsupported protocol version %q", parts[1]), http.StatusBadRequest)
		return
	}

	var payload controlbus.RequestPayload
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
			return
		}
	}

	req := controlbus.Request{
		ID:        uuid.NewString(),
		Procedure: controlbus.Procedure(parts[2]),
		Payload:   payload,
	}
	resp := s.bus.Dispatch(r.Context(), req)

	code := http.StatusOK
	switch resp.Status {
	case controlbus.StatusSuccess:
		code = http.StatusOK
	case controlbus.StatusFailure:
		code = http.StatusBadRequest
	default:
		code = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warn("Failed to write UI response", zap.Error(err))
	}
}
