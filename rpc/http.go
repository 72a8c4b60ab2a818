package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"revsplit/core"
	"revsplit/observability"
	"revsplit/services/history"
)

const (
	jsonRPCVersion   = "2.0"
	maxRequestBytes  = 1 << 20
	rateLimitWindow  = time.Minute
	defaultWriteCap  = 5
	defaultClockSkew = 30 * time.Second

	// EnvRPCToken names the environment variable holding the bearer token
	// accepted for ledger mutations when no token is injected explicitly.
	EnvRPCToken = "REVSPLIT_RPC_TOKEN"
	// EnvAdminToken guards the pause switchboard endpoints.
	EnvAdminToken = "REVSPLIT_ADMIN_TOKEN"
)

const (
	codeParse          = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
	codePrecondition   = -32030
	codeModulePaused   = -32031
	codeBusy           = -32032
	codeTransferFailed = -32033
)

type rateLimiter struct {
	count       int
	windowStart time.Time
}

// Server exposes the revenue splitter over JSON-RPC plus a small REST
// surface for health, metrics, the event stream and operator controls.
type Server struct {
	node    *core.Node
	history *history.Recorder
	logger  *slog.Logger

	authToken  string
	adminToken string
	jwtSecret  []byte
	clockSkew  time.Duration

	writeCap int
	nowFn    func() time.Time

	mu           sync.Mutex
	rateLimiters map[string]*rateLimiter

	serverMu   sync.Mutex
	httpServer *http.Server
}

// ServerOption adjusts optional server collaborators.
type ServerOption func(*Server)

// WithHistory attaches the settlement history recorder backing split_history.
func WithHistory(recorder *history.Recorder) ServerOption {
	return func(s *Server) {
		s.history = recorder
	}
}

// WithAuthToken overrides the bearer token required for ledger mutations.
func WithAuthToken(token string) ServerOption {
	return func(s *Server) {
		s.authToken = strings.TrimSpace(token)
	}
}

// WithAdminToken overrides the bearer token required for /admin endpoints.
func WithAdminToken(token string) ServerOption {
	return func(s *Server) {
		s.adminToken = strings.TrimSpace(token)
	}
}

// WithJWTSecret accepts HS256 tokens signed with secret as an alternative to
// the static bearer token.
func WithJWTSecret(secret []byte) ServerOption {
	return func(s *Server) {
		if len(secret) > 0 {
			s.jwtSecret = append([]byte(nil), secret...)
		}
	}
}

// WithWriteLimit caps the number of mutating calls accepted per source per
// minute.
func WithWriteLimit(limit int) ServerOption {
	return func(s *Server) {
		if limit > 0 {
			s.writeCap = limit
		}
	}
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the wall clock used by the rate limiter.
func WithClock(now func() time.Time) ServerOption {
	return func(s *Server) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// NewServer wires a JSON-RPC server around node. Tokens default to the
// REVSPLIT_RPC_TOKEN and REVSPLIT_ADMIN_TOKEN environment variables.
func NewServer(node *core.Node, opts ...ServerOption) *Server {
	s := &Server{
		node:         node,
		logger:       slog.Default(),
		authToken:    strings.TrimSpace(os.Getenv(EnvRPCToken)),
		adminToken:   strings.TrimSpace(os.Getenv(EnvAdminToken)),
		clockSkew:    defaultClockSkew,
		writeCap:     defaultWriteCap,
		nowFn:        time.Now,
		rateLimiters: make(map[string]*rateLimiter),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Router assembles the HTTP surface. JSON-RPC rides on POST /, the event
// stream on GET /ws/events and operator controls under /admin.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", observability.MetricsHandler())
	r.Post("/", s.handle)
	r.Get("/ws/events", s.handleEventsWS)
	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.requireAdmin)
		admin.Post("/pause/{module}", s.handleAdminPause)
		admin.Post("/resume/{module}", s.handleAdminResume)
		admin.Get("/status", s.handleAdminStatus)
	})
	return r
}

// Start serves the router on addr until the listener fails or Shutdown is
// called.
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(s.Router(), "revsplit-rpc"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.serverMu.Lock()
	s.httpServer = server
	s.serverMu.Unlock()
	s.logger.Info("starting JSON-RPC server", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.serverMu.Lock()
	server := s.httpServer
	s.serverMu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// handle is the JSON-RPC entry point; it decodes the envelope and routes to
// the method handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}

	var req RPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParse, "invalid JSON-RPC payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported JSON-RPC version", nil)
		return
	}
	method := strings.TrimSpace(req.Method)
	if method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method is required", nil)
		return
	}
	req.Method = method

	started := time.Now()
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.dispatch(recorder, r, &req)
	observability.RequestMetrics().Observe(method, recorder.status, time.Since(started))
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	switch req.Method {
	case "split_deposit", "split_withdraw":
		if rpcErr := s.requireAuth(r); rpcErr != nil {
			writeError(w, http.StatusUnauthorized, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
			return
		}
		if !s.allowSource(s.clientSource(r), s.nowFn()) {
			observability.RequestMetrics().RecordThrottle("rate_limit")
			writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "rate limit exceeded for source", nil)
			return
		}
		if req.Method == "split_deposit" {
			s.handleDeposit(w, req)
		} else {
			s.handleWithdraw(w, req)
		}
	case "split_pendingPayment":
		s.handlePendingPayment(w, req)
	case "split_remainingCap":
		s.handleRemainingCap(w, req)
	case "split_info":
		s.handleLedgerInfo(w, req)
	case "split_balance":
		s.handleBalance(w, req)
	case "split_events":
		s.handleEvents(w, r, req)
	case "split_history":
		s.handleHistory(w, req)
	default:
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}
}

// requireAuth accepts either the configured static bearer token or, when a
// JWT secret is set, any valid HS256 token signed with it.
func (s *Server) requireAuth(r *http.Request) *RPCError {
	token := extractBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "authorization bearer token required"}
	}
	if s.authToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) == 1 {
		return nil
	}
	if len(s.jwtSecret) > 0 {
		if err := s.validateJWT(token); err == nil {
			return nil
		}
		return &RPCError{Code: codeUnauthorized, Message: "invalid or expired token"}
	}
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	return &RPCError{Code: codeUnauthorized, Message: "invalid authorization token"}
}

func (s *Server) validateJWT(tokenString string) error {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithLeeway(s.clockSkew))
	if err != nil {
		return err
	}
	if !token.Valid {
		return errors.New("token is not valid")
	}
	return nil
}

func extractBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(strings.TrimSpace(parts[0]), "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func (s *Server) allowSource(source string, now time.Time) bool {
	if strings.TrimSpace(source) == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	limiter, ok := s.rateLimiters[source]
	if !ok || now.Sub(limiter.windowStart) >= rateLimitWindow {
		s.rateLimiters[source] = &rateLimiter{count: 1, windowStart: now}
		return true
	}
	if limiter.count >= s.writeCap {
		return false
	}
	limiter.count++
	return true
}

func (s *Server) clientSource(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if first := strings.TrimSpace(parts[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
