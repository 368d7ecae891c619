package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	nimble "github.com/SirZayers/Nimble"
)

// Witness routes.
const (
	PathIdentity      = "/v1/witness/identity"
	PathCreateLedger  = "/v1/witness/create"
	PathAppend        = "/v1/witness/append"
	PathReadLatest    = "/v1/witness/read-latest"
	PathReadAt        = "/v1/witness/read-at"
	PathEndorseView   = "/v1/witness/endorse-view"
	PathActivateView  = "/v1/witness/activate-view"
	PathInstallLedger = "/v1/witness/install"
)

// maxBodySize bounds request bodies. Blocks are opaque to the witness but
// must fit in one request.
const maxBodySize = 16 << 20

type createRequest struct {
	Handle  []byte `json:"handle"`
	Genesis []byte `json:"genesis"`
}

type appendRequest struct {
	Handle         []byte `json:"handle"`
	Block          []byte `json:"block"`
	ExpectedHeight uint64 `json:"expected_height"`
}

type readLatestRequest struct {
	Handle []byte `json:"handle"`
	Nonce  []byte `json:"nonce,omitempty"`
}

type readAtRequest struct {
	Handle []byte `json:"handle"`
	Height uint64 `json:"height"`
}

type viewRequest struct {
	View          []byte `json:"view"`
	Authorization []byte `json:"authorization,omitempty"`
}

type installRequest struct {
	Certificate []byte `json:"certificate"`
}

type receiptResponse struct {
	Receipt []byte `json:"receipt"`
}

type blockResponse struct {
	Block []byte `json:"block"`
}

type identityResponse struct {
	Identity []byte `json:"identity"`
}

// Server exposes one witness over HTTP.
type Server struct {
	endorser nimble.Endorser
	mux      *http.ServeMux
	logger   *zap.Logger
	timeout  time.Duration
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server logger.
func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithRequestTimeout bounds the time one request may spend in the witness.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.timeout = d }
}

// NewServer creates a handler serving e, usually a *nimble.Witness.
func NewServer(e nimble.Endorser, opts ...ServerOption) *Server {
	s := &Server{
		endorser: e,
		mux:      http.NewServeMux(),
		logger:   zap.NewNop(),
		timeout:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc(PathIdentity, s.handleIdentity)
	s.mux.HandleFunc(PathCreateLedger, s.handleCreate)
	s.mux.HandleFunc(PathAppend, s.handleAppend)
	s.mux.HandleFunc(PathReadLatest, s.handleReadLatest)
	s.mux.HandleFunc(PathReadAt, s.handleReadAt)
	s.mux.HandleFunc(PathEndorseView, s.handleEndorseView)
	s.mux.HandleFunc(PathActivateView, s.handleActivateView)
	s.mux.HandleFunc(PathInstallLedger, s.handleInstall)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) context(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.timeout)
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := s.context(r)
	defer cancel()

	id, err := s.endorser.Identity(ctx)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, s.logger, identityResponse{Identity: id.Bytes()})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !readJSON(w, r, s.logger, &req) {
		return
	}
	ctx, cancel := s.context(r)
	defer cancel()

	rc, err := s.endorser.CreateLedger(ctx, req.Handle, req.Genesis)
	s.writeReceipt(w, rc, err)
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req appendRequest
	if !readJSON(w, r, s.logger, &req) {
		return
	}
	ctx, cancel := s.context(r)
	defer cancel()

	rc, err := s.endorser.Append(ctx, req.Handle, req.Block, req.ExpectedHeight)
	s.writeReceipt(w, rc, err)
}

func (s *Server) handleReadLatest(w http.ResponseWriter, r *http.Request) {
	var req readLatestRequest
	if !readJSON(w, r, s.logger, &req) {
		return
	}
	ctx, cancel := s.context(r)
	defer cancel()

	rc, err := s.endorser.ReadLatest(ctx, req.Handle, req.Nonce)
	s.writeReceipt(w, rc, err)
}

func (s *Server) handleReadAt(w http.ResponseWriter, r *http.Request) {
	var req readAtRequest
	if !readJSON(w, r, s.logger, &req) {
		return
	}
	ctx, cancel := s.context(r)
	defer cancel()

	b, err := s.endorser.ReadAt(ctx, req.Handle, req.Height)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, s.logger, blockResponse{Block: b})
}

func (s *Server) handleEndorseView(w http.ResponseWriter, r *http.Request) {
	var req viewRequest
	if !readJSON(w, r, s.logger, &req) {
		return
	}
	view, err := nimble.ViewFromBytes(req.View)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	ctx, cancel := s.context(r)
	defer cancel()

	rc, err := s.endorser.EndorseView(ctx, view)
	s.writeReceipt(w, rc, err)
}

func (s *Server) handleActivateView(w http.ResponseWriter, r *http.Request) {
	var req viewRequest
	if !readJSON(w, r, s.logger, &req) {
		return
	}
	view, err := nimble.ViewFromBytes(req.View)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	var auth *nimble.Certificate
	if len(req.Authorization) > 0 {
		if auth, err = nimble.CertificateFromBytes(req.Authorization); err != nil {
			writeError(w, s.logger, err)
			return
		}
	}
	ctx, cancel := s.context(r)
	defer cancel()

	rc, err := s.endorser.ActivateView(ctx, view, auth)
	s.writeReceipt(w, rc, err)
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if !readJSON(w, r, s.logger, &req) {
		return
	}
	cert, err := nimble.CertificateFromBytes(req.Certificate)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	ctx, cancel := s.context(r)
	defer cancel()

	rc, err := s.endorser.InstallLedger(ctx, cert)
	s.writeReceipt(w, rc, err)
}

func (s *Server) writeReceipt(w http.ResponseWriter, rc *nimble.Receipt, err error) {
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, s.logger, receiptResponse{Receipt: rc.Bytes()})
}

// readJSON decodes a POST body into v. On failure it writes the response
// and returns false.
func readJSON(w http.ResponseWriter, r *http.Request, logger *zap.Logger, v interface{}) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, logger, fmt.Errorf("%w: %v", nimble.ErrInvalidMessage, err))
		return false
	}
	return true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, logger *zap.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("encoding response failed", zap.Error(err))
	}
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status, body := encodeError(err)
	if status >= http.StatusInternalServerError {
		logger.Warn("request failed", zap.String("code", body.Code), zap.Error(err))
	} else {
		logger.Debug("request refused", zap.String("code", body.Code), zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("encoding error response failed", zap.Error(err))
	}
}
