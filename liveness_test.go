package nimble

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirZayers/Nimble/timer"
)

func TestMonitorConfigValidate(t *testing.T) {
	cfg := DefaultMonitorConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.ProbeInterval)
	assert.Equal(t, 3, cfg.FailureThreshold)

	bad := cfg
	bad.ProbeInterval = 0
	assert.ErrorIs(t, bad.Validate(), ErrConfig)

	bad = cfg
	bad.FailureThreshold = 0
	assert.ErrorIs(t, bad.Validate(), ErrConfig)
}

func TestPingAll(t *testing.T) {
	c, err := NewTestCluster(3, SchemeEd25519)
	require.NoError(t, err)
	o := newTestOrchestrator(t, c)

	c.Endorsers[2].Crash()
	results := o.PingAll(context.Background())
	require.Len(t, results, 3)
	assert.NoError(t, results[c.Witnesses[0].ID()])
	assert.NoError(t, results[c.Witnesses[1].ID()])
	assert.ErrorIs(t, results[c.Witnesses[2].ID()], ErrTestCrashed)
}

func TestCheckProbe(t *testing.T) {
	view, keys := testView(t, 0, SchemeEd25519, 3, 0)
	id := WitnessIDFromPublicKey(keys[0].Public())
	nonce := []byte("probe")
	tail := GenesisTail(view.Bytes())

	good := &Receipt{Witness: id, Handle: ViewLedgerHandle, Height: 0, Tail: tail, View: 0, Nonce: nonce}
	require.NoError(t, signReceipt(keys[0], good))
	assert.NoError(t, checkProbe(view, reply{id: id, receipt: good}, nonce))

	assert.ErrorIs(t, checkProbe(view, reply{id: id, receipt: good}, []byte("other")), ErrInvalidMessage)
	assert.ErrorIs(t, checkProbe(view, reply{id: WitnessIDFromPublicKey(keys[1].Public()), receipt: good}, nonce), ErrInvalidMessage)
	assert.ErrorIs(t, checkProbe(view, reply{id: id}, nonce), ErrInvalidMessage)

	behind := *good
	behind.View = 1
	behind.Height = 1
	require.NoError(t, signReceipt(keys[0], &behind))
	assert.ErrorIs(t, checkProbe(view, reply{id: id, receipt: &behind}, nonce), ErrViewMismatch)

	forged := *good
	forged.Signature = append([]byte(nil), good.Signature...)
	forged.Signature[0] ^= 0xff
	assert.ErrorIs(t, checkProbe(view, reply{id: id, receipt: &forged}, nonce), ErrInvalidMessage)
}

func TestMonitorSuspectsAndRecovers(t *testing.T) {
	c, err := NewTestCluster(3, SchemeEd25519)
	require.NoError(t, err)
	o := newTestOrchestrator(t, c)

	var (
		mu        sync.Mutex
		suspected []WitnessID
	)
	mt := timer.NewMockTimer()
	cfg := DefaultMonitorConfig()
	cfg.FailureThreshold = 2
	cfg.Timer = mt
	cfg.OnSuspect = func(id WitnessID, failures int) {
		mu.Lock()
		defer mu.Unlock()
		suspected = append(suspected, id)
		assert.Equal(t, 2, failures)
	}
	m, err := NewMonitor(o, cfg)
	require.NoError(t, err)

	m.Start()
	defer m.Stop()
	m.Start()
	require.True(t, mt.IsRunning())
	assert.Equal(t, cfg.ProbeInterval, mt.Duration())
	assert.Equal(t, 1, mt.Starts(), "second Start is a no-op")

	// fire runs one probe round and waits for it.
	fire := func() {
		t.Helper()
		starts := mt.Starts()
		require.True(t, mt.Fire())
		require.Eventually(t, func() bool { return mt.Starts() > starts }, 2*time.Second, time.Millisecond)
	}

	crashed := c.Witnesses[2].ID()
	c.Endorsers[2].Crash()

	fire()
	assert.Equal(t, map[WitnessID]int{crashed: 1}, m.TimeoutMap())
	assert.Empty(t, m.Suspected())

	fire()
	assert.Equal(t, []WitnessID{crashed}, m.Suspected())
	fire()
	mu.Lock()
	assert.Equal(t, []WitnessID{crashed}, suspected, "OnSuspect fires once per suspicion")
	mu.Unlock()
	assert.Equal(t, 3, m.TimeoutMap()[crashed])

	c.Endorsers[2].Recover()
	fire()
	assert.Empty(t, m.TimeoutMap())
	assert.Empty(t, m.Suspected())
	assert.Equal(t, uint64(0), o.View().Epoch, "no removal without AutoRemove")
}

func TestMonitorAutoRemove(t *testing.T) {
	ctx := context.Background()
	c, err := NewTestCluster(4, SchemeEd25519)
	require.NoError(t, err)
	o := newTestOrchestrator(t, c)

	cfg := DefaultMonitorConfig()
	cfg.FailureThreshold = 1
	cfg.AutoRemove = true
	m, err := NewMonitor(o, cfg)
	require.NoError(t, err)

	dead := c.Witnesses[3].ID()
	c.Endorsers[3].Crash()

	results := m.Probe(ctx)
	assert.Error(t, results[dead])

	view := o.View()
	assert.Equal(t, uint64(1), view.Epoch)
	assert.Equal(t, 3, view.Size())
	assert.False(t, view.Contains(dead))

	// Departed members are no longer tracked.
	results = m.Probe(ctx)
	assert.Len(t, results, 3)
	assert.Empty(t, m.TimeoutMap())
	assert.Empty(t, m.Suspected())
}

func TestMonitorStopWithoutStart(t *testing.T) {
	c, err := NewTestCluster(1, SchemeEd25519)
	require.NoError(t, err)
	o := newTestOrchestrator(t, c)

	m, err := NewMonitor(o, DefaultMonitorConfig())
	require.NoError(t, err)
	m.Stop()
	m.Start()
	m.Stop()
	m.Stop()
}
