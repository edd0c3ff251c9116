// Package rpc provides a JSON-RPC 2.0 server for the threshmast daemon.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/klingon-exchange/threshmast/internal/config"
	"github.com/klingon-exchange/threshmast/internal/keyagg"
	"github.com/klingon-exchange/threshmast/internal/mast"
	"github.com/klingon-exchange/threshmast/internal/output"
	"github.com/klingon-exchange/threshmast/internal/storage"
	"github.com/klingon-exchange/threshmast/pkg/logging"
)

// loadedCacheSize is the number of rebuilt commitments kept in memory.
const loadedCacheSize = 64

// Server is a JSON-RPC 2.0 server.
type Server struct {
	cfg     *config.Config
	store   *storage.Storage
	network output.Network
	params  *chaincfg.Params

	agg         *keyagg.CachedAggregator
	controllers map[mast.InternalKeyMode]*mast.Controller
	loaded      *lru.Cache[string, *mast.Commitment]

	log     *logging.Logger
	wsHub   *WSHub
	started time.Time

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Application error codes.
const (
	SubsetNotCommitted    = -32001
	InvalidThreshold      = -32002
	CombinatorialOverflow = -32003
	CommitmentNotFound    = -32004
	CommitmentExists      = -32005
	AggregationFailure    = -32006
)

// NewServer creates a new JSON-RPC server.
func NewServer(cfg *config.Config, store *storage.Storage) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	network := cfg.NetworkType()
	params, err := network.Params()
	if err != nil {
		return nil, err
	}

	agg, err := keyagg.NewCachedAggregator(nil, cfg.Mast.CacheSize)
	if err != nil {
		return nil, err
	}
	loaded, err := lru.New[string, *mast.Commitment](loadedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create commitment cache: %w", err)
	}

	log := logging.GetDefault().Component("rpc")
	controllers := make(map[mast.InternalKeyMode]*mast.Controller, 2)
	for _, mode := range []mast.InternalKeyMode{mast.InternalKeyAggregate, mast.InternalKeyNUMS} {
		controllers[mode] = mast.NewController(&mast.Options{
			Aggregator:  agg,
			Workers:     cfg.Mast.Workers,
			InternalKey: mode,
		})
	}

	s := &Server{
		cfg:         cfg,
		store:       store,
		network:     network,
		params:      params,
		agg:         agg,
		controllers: controllers,
		loaded:      loaded,
		log:         log,
		wsHub:       NewWSHub(),
		started:     time.Now(),
		handlers:    make(map[string]Handler),
	}

	s.registerHandlers()

	return s, nil
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Node methods
	s.handlers["node_info"] = s.nodeInfo

	// Key methods
	s.handlers["keys_generateMnemonic"] = s.keysGenerateMnemonic
	s.handlers["keys_derive"] = s.keysDerive

	// MAST methods
	s.handlers["mast_commit"] = s.mastCommit
	s.handlers["mast_get"] = s.mastGet
	s.handlers["mast_list"] = s.mastList
	s.handlers["mast_delete"] = s.mastDelete
	s.handlers["mast_spendProof"] = s.mastSpendProof
	s.handlers["mast_spends"] = s.mastSpends
	s.handlers["mast_verify"] = s.mastVerify
	s.handlers["mast_address"] = s.mastAddress
	s.handlers["mast_minThreshold"] = s.mastMinThreshold
}

// Handler returns the HTTP handler serving JSON-RPC and WebSocket requests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)
	return corsMiddleware(mux)
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Addr returns the listen address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	s.wsHub.Stop()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		code := errorCode(err)
		if code == InternalError {
			s.log.Warn("RPC method failed", "method", req.Method, "error", err)
		}
		s.writeError(w, req.ID, code, err.Error(), nil)
		return
	}

	s.writeResult(w, req.ID, result)
}

// errorCode maps a handler error to a JSON-RPC error code.
func errorCode(err error) int {
	var rpcErr *Error
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr.Code
	case errors.Is(err, mast.ErrSubsetNotCommitted):
		return SubsetNotCommitted
	case errors.Is(err, mast.ErrInvalidThreshold):
		return InvalidThreshold
	case errors.Is(err, mast.ErrCombinatorialOverflow):
		return CombinatorialOverflow
	case errors.Is(err, mast.ErrAggregationFailure):
		return AggregationFailure
	case errors.Is(err, storage.ErrCommitmentNotFound):
		return CommitmentNotFound
	case errors.Is(err, storage.ErrCommitmentExists):
		return CommitmentExists
	default:
		return InternalError
	}
}

// invalidParams wraps a parameter error.
func invalidParams(format string, args ...interface{}) error {
	return &Error{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}

// parseParams decodes params into v.
func parseParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return invalidParams("missing params")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams("invalid params: %v", err)
	}
	return nil
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
