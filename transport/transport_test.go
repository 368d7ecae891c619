package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nimble "github.com/SirZayers/Nimble"
)

// newHTTPCluster serves every witness of a fresh cluster over httptest.
// Member endpoints in the genesis view are the server URLs.
func newHTTPCluster(t *testing.T, n int, scheme string) *nimble.TestCluster {
	t.Helper()
	keys := make([]nimble.PrivateKey, n)
	muxes := make([]*http.ServeMux, n)
	members := make([]nimble.Member, n)
	for i := range keys {
		k, err := nimble.GenerateKey(scheme)
		require.NoError(t, err)
		keys[i] = k
		muxes[i] = http.NewServeMux()
		srv := httptest.NewServer(muxes[i])
		t.Cleanup(srv.Close)
		members[i] = nimble.NewMember(k.Public(), srv.URL)
	}
	genesis, err := nimble.NewView(0, scheme, members, 0)
	require.NoError(t, err)

	c, err := nimble.NewTestClusterFromKeys(keys, genesis)
	require.NoError(t, err)
	for i, e := range c.Endorsers {
		muxes[i].Handle("/", NewServer(e))
	}
	return c
}

func newHTTPOrchestrator(t *testing.T, c *nimble.TestCluster) *nimble.Orchestrator {
	t.Helper()
	cfg, err := nimble.NewOrchestratorConfig(
		nimble.WithOrchestratorGenesis(c.Genesis),
		nimble.WithDialer(Dialer()),
		nimble.WithRoundTimeout(2*time.Second),
	)
	require.NoError(t, err)
	o, err := nimble.NewOrchestrator(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func TestErrorMapping(t *testing.T) {
	for _, c := range classes {
		t.Run(c.code, func(t *testing.T) {
			status, body := encodeError(fmt.Errorf("%w: details", c.err))
			assert.Equal(t, c.status, status)
			assert.Equal(t, c.code, body.Code)

			err := decodeError(status, body)
			assert.ErrorIs(t, err, c.err)
			if c.code != "stale_height" {
				assert.Equal(t, c.err.Error()+": details", err.Error(), "class prefix is not repeated")
			}
		})
	}

	status, body := encodeError(&nimble.StaleHeightError{Expected: 4, Current: 7})
	assert.Equal(t, http.StatusPreconditionFailed, status)
	var stale *nimble.StaleHeightError
	require.ErrorAs(t, decodeError(status, body), &stale)
	assert.Equal(t, uint64(4), stale.Expected)
	assert.Equal(t, uint64(7), stale.Current)

	status, body = encodeError(errors.New("disk on fire"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal", body.Code)

	err := decodeError(http.StatusTeapot, errorBody{Code: "unheard_of", Message: "?"})
	assert.ErrorIs(t, err, nimble.ErrInternal)
}

// roundTrip sends err through the JSON error body a client would see.
func roundTrip(t *testing.T, err error) error {
	t.Helper()
	status, body := encodeError(err)
	raw, jerr := json.Marshal(body)
	require.NoError(t, jerr)
	var got errorBody
	require.NoError(t, json.Unmarshal(raw, &got))
	return decodeError(status, got)
}

func TestErrorCarriesEvidence(t *testing.T) {
	ctx := context.Background()
	c, err := nimble.NewTestCluster(2, nimble.SchemeEd25519)
	require.NoError(t, err)
	handle := nimble.Handle("ledger")
	first, err := c.Witnesses[0].CreateLedger(ctx, handle, []byte("a"))
	require.NoError(t, err)
	second, err := c.Witnesses[1].CreateLedger(ctx, handle, []byte("b"))
	require.NoError(t, err)

	sent := &nimble.EvidenceError{Evidence: nimble.Evidence{First: first, Second: second, Reason: "two quorums disagree at height 0"}}
	var got *nimble.EvidenceError
	require.ErrorAs(t, roundTrip(t, sent), &got)
	assert.ErrorIs(t, got, nimble.ErrByzantine)
	assert.Equal(t, sent.Evidence.Reason, got.Evidence.Reason)
	assert.Equal(t, first.Statement(), got.Evidence.First.Statement())
	assert.Equal(t, second.Statement(), got.Evidence.Second.Statement())
	assert.True(t, got.Evidence.First.Verify(c.Keys[0].Public()))
	assert.True(t, got.Evidence.Second.Verify(c.Keys[1].Public()))

	// Without receipts the class still survives.
	assert.ErrorIs(t, roundTrip(t, fmt.Errorf("%w: no pair", nimble.ErrByzantine)), nimble.ErrByzantine)

	rollback := &nimble.RollbackError{
		TrustedHeight:   5,
		TrustedTail:     nimble.HashBlock([]byte("five")),
		PresentedHeight: 3,
		PresentedTail:   nimble.HashBlock([]byte("three")),
	}
	var gotRollback *nimble.RollbackError
	require.ErrorAs(t, roundTrip(t, rollback), &gotRollback)
	assert.Equal(t, *rollback, *gotRollback)
	assert.ErrorIs(t, gotRollback, nimble.ErrRollbackDetected)
}

func TestClientServer(t *testing.T) {
	ctx := context.Background()
	c := newHTTPCluster(t, 1, nimble.SchemeEd25519)
	w := c.Witnesses[0]
	client := NewClient(c.Genesis.Members[0].Endpoint + "/")
	handle := nimble.Handle("ledger")

	id, err := client.Identity(ctx)
	require.NoError(t, err)
	assert.Equal(t, w.ID(), id.ID)

	r, err := client.CreateLedger(ctx, handle, []byte("init"))
	require.NoError(t, err)
	assert.True(t, r.Verify(c.Keys[0].Public()))
	assert.Equal(t, nimble.GenesisTail([]byte("init")), r.Tail)

	_, err = client.CreateLedger(ctx, handle, []byte("init"))
	assert.ErrorIs(t, err, nimble.ErrAlreadyExists)

	r, err = client.Append(ctx, handle, []byte("b1"), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Height)

	_, err = client.Append(ctx, handle, []byte("b3"), 2)
	var stale *nimble.StaleHeightError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, uint64(1), stale.Current)

	nonce := []byte("fresh")
	r, err = client.ReadLatest(ctx, handle, nonce)
	require.NoError(t, err)
	assert.Equal(t, nonce, r.Nonce)
	assert.True(t, r.Verify(c.Keys[0].Public()))

	b, err := client.ReadAt(ctx, handle, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("b1"), b)

	_, err = client.ReadAt(ctx, handle, 9)
	assert.ErrorIs(t, err, nimble.ErrNotFound)
	_, err = client.ReadLatest(ctx, nimble.Handle("missing"), nil)
	assert.ErrorIs(t, err, nimble.ErrNotFound)
	_, err = client.CreateLedger(ctx, nimble.ViewLedgerHandle, nil)
	assert.ErrorIs(t, err, nimble.ErrInvalidMessage)

	raw, err := client.ReadAt(ctx, nimble.ViewLedgerHandle, 0)
	require.NoError(t, err)
	assert.Equal(t, c.Genesis.Bytes(), raw)
}

func TestServerRejectsBadRequests(t *testing.T) {
	c := newHTTPCluster(t, 1, nimble.SchemeEd25519)
	base := c.Genesis.Members[0].Endpoint

	resp, err := http.Get(base + PathAppend)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Post(base+PathAppend, "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(base+PathEndorseView, "application/json", strings.NewReader(`{"view":"AAAA"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "undecodable view")
}

func TestDialerNeedsEndpoint(t *testing.T) {
	k, err := nimble.GenerateKey(nimble.SchemeEd25519)
	require.NoError(t, err)
	_, err = Dialer()(nimble.NewMember(k.Public(), ""))
	assert.ErrorIs(t, err, nimble.ErrConfig)
}

func TestOrchestratorOverHTTP(t *testing.T) {
	ctx := context.Background()
	c := newHTTPCluster(t, 3, nimble.SchemeBLS)
	o := newHTTPOrchestrator(t, c)
	v, err := c.Verifier()
	require.NoError(t, err)
	handle := nimble.Handle("over-http")

	cert, err := o.CreateLedger(ctx, handle, []byte("init"))
	require.NoError(t, err)
	require.NoError(t, v.VerifyCertificate(cert))

	c.Endorsers[2].Crash()
	for i := 1; i <= 3; i++ {
		cert, err = o.AppendLedger(ctx, handle, []byte(fmt.Sprintf("b%d", i)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), cert.Height)
	}
	c.Endorsers[2].Recover()

	nonce := []byte("nonce")
	cert, err = o.ReadTail(ctx, handle, nonce)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), cert.Height)
	require.NoError(t, v.VerifyRead(cert, nonce))

	_, err = o.AppendAt(ctx, handle, []byte("late"), 1)
	var stale *nimble.StaleHeightError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, uint64(3), stale.Current)

	for id, err := range o.PingAll(ctx) {
		assert.NoError(t, err, id.String())
	}
}

func TestCoordinator(t *testing.T) {
	ctx := context.Background()
	c := newHTTPCluster(t, 4, nimble.SchemeEd25519)
	o := newHTTPOrchestrator(t, c)
	m, err := nimble.NewMonitor(o, nimble.DefaultMonitorConfig())
	require.NoError(t, err)
	srv := httptest.NewServer(NewCoordinatorServer(o, WithMonitor(m)))
	t.Cleanup(srv.Close)
	client := NewCoordinatorClient(srv.URL)

	v, err := c.Verifier()
	require.NoError(t, err)
	tracker := nimble.NewTracker(v)

	view, group, err := client.View(ctx)
	require.NoError(t, err)
	assert.True(t, view.Equal(c.Genesis))
	assert.Equal(t, v.GroupIdentity(), group)

	handle, cert, err := client.NewLedger(ctx, []byte("init"))
	require.NoError(t, err)
	assert.Len(t, handle, 16)
	require.NoError(t, tracker.Accept(cert))

	_, err = client.CreateLedger(ctx, nimble.Handle("named"), []byte("x"))
	require.NoError(t, err)
	_, err = client.CreateLedger(ctx, nimble.Handle("named"), []byte("y"))
	assert.ErrorIs(t, err, nimble.ErrAlreadyExists)

	cert, err = client.AppendLedger(ctx, handle, []byte("b1"))
	require.NoError(t, err)
	require.NoError(t, tracker.Accept(cert))

	cert, err = client.AppendAt(ctx, handle, []byte("b2"), 1)
	require.NoError(t, err)
	require.NoError(t, tracker.Accept(cert))

	_, err = client.AppendAt(ctx, handle, []byte("b2"), 1)
	var stale *nimble.StaleHeightError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, uint64(2), stale.Current)

	nonce := []byte("client-nonce")
	cert, err = client.ReadTail(ctx, handle, nonce)
	require.NoError(t, err)
	require.NoError(t, tracker.AcceptRead(cert, nonce))

	blocks := [][]byte{[]byte("init")}
	for h := uint64(1); h <= cert.Height; h++ {
		b, err := client.ReadAt(ctx, handle, h)
		require.NoError(t, err)
		blocks = append(blocks, b)
	}
	require.NoError(t, v.ReplayChain(blocks, cert))

	pings, err := client.PingAll(ctx)
	require.NoError(t, err)
	assert.Len(t, pings, 4)
	for id, msg := range pings {
		assert.Empty(t, msg, id)
	}

	crashed := c.Witnesses[3].ID()
	c.Endorsers[3].Crash()
	m.Probe(ctx)
	timeouts, suspected, err := client.TimeoutMap(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{crashed.Hex(): 1}, timeouts)
	assert.Empty(t, suspected)

	rec, err := client.Reconfigure(ctx, c.Genesis.Members[:3], 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.View.Epoch)
	assert.False(t, rec.View.Contains(crashed))

	history, err := client.ViewHistory(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.NoError(t, v.Sync(history))
	assert.Equal(t, uint64(1), v.CurrentView().Epoch)

	cert, err = client.AppendLedger(ctx, handle, []byte("b3"))
	require.NoError(t, err)
	require.NoError(t, tracker.Accept(cert), "certificates of the new view verify after sync")

	_, err = client.Reconfigure(ctx, c.Genesis.Members[:1], 0)
	assert.ErrorIs(t, err, nimble.ErrInvalidView)
}

func TestCoordinatorWithoutMonitor(t *testing.T) {
	c := newHTTPCluster(t, 3, nimble.SchemeEd25519)
	o := newHTTPOrchestrator(t, c)
	srv := httptest.NewServer(NewCoordinatorServer(o))
	t.Cleanup(srv.Close)

	timeouts, suspected, err := NewCoordinatorClient(srv.URL).TimeoutMap(context.Background())
	require.NoError(t, err)
	assert.Empty(t, timeouts)
	assert.Empty(t, suspected)

	resp, err := http.Post(srv.URL+PathView, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
