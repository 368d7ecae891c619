package transport

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	nimble "github.com/SirZayers/Nimble"
)

// Coordinator routes.
const (
	PathNewLedger   = "/v1/ledgers/create"
	PathAppendTo    = "/v1/ledgers/append"
	PathReadTail    = "/v1/ledgers/tail"
	PathReadBlock   = "/v1/ledgers/block"
	PathView        = "/v1/views/active"
	PathViewHistory = "/v1/views"
	PathReconfigure = "/v1/views/reconfigure"
	PathTimeouts    = "/v1/witnesses/timeouts"
	PathPing        = "/v1/witnesses/ping"
)

type newLedgerRequest struct {
	// Handle is optional; a random one is chosen when empty.
	Handle  []byte `json:"handle,omitempty"`
	Genesis []byte `json:"genesis"`
}

type ledgerResponse struct {
	Handle      []byte `json:"handle"`
	Certificate []byte `json:"certificate"`
}

type appendToRequest struct {
	Handle []byte `json:"handle"`
	Block  []byte `json:"block"`
	// ExpectedHeight makes the append conditional when set.
	ExpectedHeight *uint64 `json:"expected_height,omitempty"`
}

type certificateResponse struct {
	Certificate []byte `json:"certificate"`
}

type viewResponse struct {
	View          []byte `json:"view"`
	GroupIdentity []byte `json:"group_identity"`
}

type historyResponse struct {
	Records [][]byte `json:"records"`
}

type memberJSON struct {
	PublicKey []byte `json:"public_key"`
	Endpoint  string `json:"endpoint"`
}

type reconfigureRequest struct {
	Members []memberJSON `json:"members"`
	Quorum  int          `json:"quorum,omitempty"`
}

type recordResponse struct {
	Record []byte `json:"record"`
}

type timeoutsResponse struct {
	Timeouts  map[string]int `json:"timeouts"`
	Suspected []string       `json:"suspected"`
}

type pingResponse struct {
	// Results maps witness ids to an error message, empty when healthy.
	Results map[string]string `json:"results"`
}

// CoordinatorServer exposes an orchestrator to application clients.
type CoordinatorServer struct {
	o       *nimble.Orchestrator
	monitor *nimble.Monitor
	mux     *http.ServeMux
	logger  *zap.Logger
	timeout time.Duration
}

// CoordinatorOption configures a CoordinatorServer.
type CoordinatorOption func(*CoordinatorServer)

// WithMonitor serves timeout counts from m.
func WithMonitor(m *nimble.Monitor) CoordinatorOption {
	return func(s *CoordinatorServer) { s.monitor = m }
}

// WithCoordinatorLogger sets the server logger.
func WithCoordinatorLogger(logger *zap.Logger) CoordinatorOption {
	return func(s *CoordinatorServer) { s.logger = logger }
}

// WithOperationTimeout bounds one client operation, retries included.
func WithOperationTimeout(d time.Duration) CoordinatorOption {
	return func(s *CoordinatorServer) { s.timeout = d }
}

// NewCoordinatorServer creates a handler for o.
func NewCoordinatorServer(o *nimble.Orchestrator, opts ...CoordinatorOption) *CoordinatorServer {
	s := &CoordinatorServer{
		o:       o,
		mux:     http.NewServeMux(),
		logger:  zap.NewNop(),
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc(PathNewLedger, s.handleNewLedger)
	s.mux.HandleFunc(PathAppendTo, s.handleAppend)
	s.mux.HandleFunc(PathReadTail, s.handleReadTail)
	s.mux.HandleFunc(PathReadBlock, s.handleReadBlock)
	s.mux.HandleFunc(PathView, s.handleView)
	s.mux.HandleFunc(PathViewHistory, s.handleHistory)
	s.mux.HandleFunc(PathReconfigure, s.handleReconfigure)
	s.mux.HandleFunc(PathTimeouts, s.handleTimeouts)
	s.mux.HandleFunc(PathPing, s.handlePing)
	return s
}

// ServeHTTP implements http.Handler.
func (s *CoordinatorServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *CoordinatorServer) context(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.timeout)
}

func (s *CoordinatorServer) handleNewLedger(w http.ResponseWriter, r *http.Request) {
	var req newLedgerRequest
	if !readJSON(w, r, s.logger, &req) {
		return
	}
	ctx, cancel := s.context(r)
	defer cancel()

	handle := nimble.Handle(req.Handle)
	var (
		cert *nimble.Certificate
		err  error
	)
	if len(handle) == 0 {
		handle, cert, err = s.o.NewLedger(ctx, req.Genesis)
	} else {
		cert, err = s.o.CreateLedger(ctx, handle, req.Genesis)
	}
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, s.logger, ledgerResponse{Handle: handle, Certificate: cert.Bytes()})
}

func (s *CoordinatorServer) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req appendToRequest
	if !readJSON(w, r, s.logger, &req) {
		return
	}
	ctx, cancel := s.context(r)
	defer cancel()

	var (
		cert *nimble.Certificate
		err  error
	)
	if req.ExpectedHeight != nil {
		cert, err = s.o.AppendAt(ctx, req.Handle, req.Block, *req.ExpectedHeight)
	} else {
		cert, err = s.o.AppendLedger(ctx, req.Handle, req.Block)
	}
	s.writeCertificate(w, cert, err)
}

func (s *CoordinatorServer) handleReadTail(w http.ResponseWriter, r *http.Request) {
	var req readLatestRequest
	if !readJSON(w, r, s.logger, &req) {
		return
	}
	ctx, cancel := s.context(r)
	defer cancel()

	cert, err := s.o.ReadTail(ctx, req.Handle, req.Nonce)
	s.writeCertificate(w, cert, err)
}

func (s *CoordinatorServer) handleReadBlock(w http.ResponseWriter, r *http.Request) {
	var req readAtRequest
	if !readJSON(w, r, s.logger, &req) {
		return
	}
	ctx, cancel := s.context(r)
	defer cancel()

	b, err := s.o.ReadAt(ctx, req.Handle, req.Height)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, s.logger, blockResponse{Block: b})
}

func (s *CoordinatorServer) handleView(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	group := s.o.GroupIdentity()
	writeJSON(w, s.logger, viewResponse{View: s.o.View().Bytes(), GroupIdentity: group[:]})
}

func (s *CoordinatorServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	history := s.o.ViewHistory()
	resp := historyResponse{Records: make([][]byte, len(history))}
	for i, rec := range history {
		resp.Records[i] = rec.Bytes()
	}
	writeJSON(w, s.logger, resp)
}

func (s *CoordinatorServer) handleReconfigure(w http.ResponseWriter, r *http.Request) {
	var req reconfigureRequest
	if !readJSON(w, r, s.logger, &req) {
		return
	}
	scheme := s.o.View().Scheme
	members := make([]nimble.Member, 0, len(req.Members))
	for _, m := range req.Members {
		pk, err := nimble.PublicKeyFromBytes(scheme, m.PublicKey)
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		members = append(members, nimble.NewMember(pk, m.Endpoint))
	}
	ctx, cancel := s.context(r)
	defer cancel()

	rec, err := s.o.Reconfigure(ctx, members, req.Quorum)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, s.logger, recordResponse{Record: rec.Bytes()})
}

func (s *CoordinatorServer) handleTimeouts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := timeoutsResponse{Timeouts: map[string]int{}, Suspected: []string{}}
	if s.monitor != nil {
		for id, n := range s.monitor.TimeoutMap() {
			resp.Timeouts[id.Hex()] = n
		}
		for _, id := range s.monitor.Suspected() {
			resp.Suspected = append(resp.Suspected, id.Hex())
		}
	}
	writeJSON(w, s.logger, resp)
}

func (s *CoordinatorServer) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := s.context(r)
	defer cancel()

	resp := pingResponse{Results: map[string]string{}}
	for id, err := range s.o.PingAll(ctx) {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		resp.Results[id.Hex()] = msg
	}
	writeJSON(w, s.logger, resp)
}

func (s *CoordinatorServer) writeCertificate(w http.ResponseWriter, cert *nimble.Certificate, err error) {
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, s.logger, certificateResponse{Certificate: cert.Bytes()})
}

// CoordinatorClient is the application side of CoordinatorServer.
// Certificates it returns are decoded but not verified; pass them to a
// nimble.Verifier or nimble.Tracker.
type CoordinatorClient struct {
	base string
	http *http.Client
}

// NewCoordinatorClient creates a client for the coordinator at endpoint.
func NewCoordinatorClient(endpoint string, opts ...ClientOption) *CoordinatorClient {
	c := NewClient(endpoint, opts...)
	return &CoordinatorClient{base: strings.TrimRight(endpoint, "/"), http: c.http}
}

func (c *CoordinatorClient) do(ctx context.Context, method, path string, req, resp interface{}) error {
	return doJSON(ctx, c.http, method, c.base+path, req, resp)
}

func (c *CoordinatorClient) certificate(ctx context.Context, path string, req interface{}) (*nimble.Certificate, error) {
	var resp certificateResponse
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return nimble.CertificateFromBytes(resp.Certificate)
}

// NewLedger creates a ledger under a random handle.
func (c *CoordinatorClient) NewLedger(ctx context.Context, genesis []byte) (nimble.Handle, *nimble.Certificate, error) {
	return c.create(ctx, newLedgerRequest{Genesis: genesis})
}

// CreateLedger creates a ledger under handle.
func (c *CoordinatorClient) CreateLedger(ctx context.Context, handle nimble.Handle, genesis []byte) (*nimble.Certificate, error) {
	_, cert, err := c.create(ctx, newLedgerRequest{Handle: handle, Genesis: genesis})
	return cert, err
}

func (c *CoordinatorClient) create(ctx context.Context, req newLedgerRequest) (nimble.Handle, *nimble.Certificate, error) {
	var resp ledgerResponse
	if err := c.do(ctx, http.MethodPost, PathNewLedger, req, &resp); err != nil {
		return nil, nil, err
	}
	cert, err := nimble.CertificateFromBytes(resp.Certificate)
	if err != nil {
		return nil, nil, err
	}
	return resp.Handle, cert, nil
}

// AppendLedger appends block at the ledger's end.
func (c *CoordinatorClient) AppendLedger(ctx context.Context, handle nimble.Handle, block []byte) (*nimble.Certificate, error) {
	return c.certificate(ctx, PathAppendTo, appendToRequest{Handle: handle, Block: block})
}

// AppendAt appends block only at expectedHeight.
func (c *CoordinatorClient) AppendAt(ctx context.Context, handle nimble.Handle, block []byte, expectedHeight uint64) (*nimble.Certificate, error) {
	return c.certificate(ctx, PathAppendTo, appendToRequest{Handle: handle, Block: block, ExpectedHeight: &expectedHeight})
}

// ReadTail reads the certified tail, bound to nonce when it is not empty.
func (c *CoordinatorClient) ReadTail(ctx context.Context, handle nimble.Handle, nonce []byte) (*nimble.Certificate, error) {
	return c.certificate(ctx, PathReadTail, readLatestRequest{Handle: handle, Nonce: nonce})
}

// ReadAt returns the block at height.
func (c *CoordinatorClient) ReadAt(ctx context.Context, handle nimble.Handle, height uint64) ([]byte, error) {
	var resp blockResponse
	if err := c.do(ctx, http.MethodPost, PathReadBlock, readAtRequest{Handle: handle, Height: height}, &resp); err != nil {
		return nil, err
	}
	return resp.Block, nil
}

// View returns the active view and the group identity.
func (c *CoordinatorClient) View(ctx context.Context) (*nimble.View, nimble.Digest, error) {
	var resp viewResponse
	if err := c.do(ctx, http.MethodGet, PathView, nil, &resp); err != nil {
		return nil, nimble.Digest{}, err
	}
	v, err := nimble.ViewFromBytes(resp.View)
	if err != nil {
		return nil, nimble.Digest{}, err
	}
	group, err := nimble.DigestFromBytes(resp.GroupIdentity)
	if err != nil {
		return nil, nimble.Digest{}, err
	}
	return v, group, nil
}

// ViewHistory returns every view record, genesis first.
func (c *CoordinatorClient) ViewHistory(ctx context.Context) ([]*nimble.ViewRecord, error) {
	var resp historyResponse
	if err := c.do(ctx, http.MethodGet, PathViewHistory, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]*nimble.ViewRecord, 0, len(resp.Records))
	for _, raw := range resp.Records {
		rec, err := nimble.ViewRecordFromBytes(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Reconfigure proposes a view made of members.
func (c *CoordinatorClient) Reconfigure(ctx context.Context, members []nimble.Member, quorum int) (*nimble.ViewRecord, error) {
	req := reconfigureRequest{Quorum: quorum}
	for _, m := range members {
		req.Members = append(req.Members, memberJSON{PublicKey: m.PublicKey.Bytes(), Endpoint: m.Endpoint})
	}
	var resp recordResponse
	if err := c.do(ctx, http.MethodPost, PathReconfigure, req, &resp); err != nil {
		return nil, err
	}
	return nimble.ViewRecordFromBytes(resp.Record)
}

// TimeoutMap returns consecutive probe failures per witness id (hex).
func (c *CoordinatorClient) TimeoutMap(ctx context.Context) (map[string]int, []string, error) {
	var resp timeoutsResponse
	if err := c.do(ctx, http.MethodGet, PathTimeouts, nil, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Timeouts, resp.Suspected, nil
}

// PingAll probes every member; healthy members map to an empty string.
func (c *CoordinatorClient) PingAll(ctx context.Context) (map[string]string, error) {
	var resp pingResponse
	if err := c.do(ctx, http.MethodPost, PathPing, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}
