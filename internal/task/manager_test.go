package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikecore/charon/internal/ikesa"
	"github.com/ikecore/charon/internal/proto"
	"github.com/ikecore/charon/internal/sched"
	"github.com/ikecore/charon/internal/wire"
)

// fakeTask is a minimal Task double that records Build/Process calls and lets
// tests script its returned Status/error.
type fakeTask struct {
	kind         Kind
	buildStatus  Status
	buildErr     error
	processStatus Status
	processErr    error

	builds    int
	processes int
	destroyed bool
}

func (f *fakeTask) Kind() Kind { return f.kind }
func (f *fakeTask) Build(sa *ikesa.IKESA, msg *wire.Message) (Status, error) {
	f.builds++
	return f.buildStatus, f.buildErr
}
func (f *fakeTask) Process(sa *ikesa.IKESA, msg *wire.Message) (Status, error) {
	f.processes++
	return f.processStatus, f.processErr
}
func (f *fakeTask) Migrate(sa *ikesa.IKESA) {}
func (f *fakeTask) Destroy()                { f.destroyed = true }

func newTestScheduler(t *testing.T) (*sched.Scheduler, func()) {
	t.Helper()
	s := sched.New(2, 0)
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	return s, func() {
		cancel()
		s.Shutdown(context.Background())
	}
}

type sentMsg struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (s *sentMsg) send(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, append([]byte{}, b...))
	return nil
}

func (s *sentMsg) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func TestInitiateBuildsSendsAndArmsRetransmit(t *testing.T) {
	sc, stop := newTestScheduler(t)
	defer stop()

	sa := ikesa.New(true)
	sent := &sentMsg{}
	m := New(sa, sc, sent.send, nil)

	ft := &fakeTask{kind: KindIkeInit, buildStatus: Done}
	m.Queue(ft)

	require.NoError(t, m.Initiate(context.Background(), proto.IKE_SA_INIT))

	assert.Equal(t, 1, ft.builds)
	assert.Equal(t, 1, sent.count())
	assert.Equal(t, StateWaitingForResponse, m.state)
	assert.NotNil(t, sa.InitReqRaw)
}

func TestInitiateNoOpWhenNotIdle(t *testing.T) {
	sc, stop := newTestScheduler(t)
	defer stop()

	sa := ikesa.New(true)
	sent := &sentMsg{}
	m := New(sa, sc, sent.send, nil)
	m.state = StateProcessing

	m.Queue(&fakeTask{kind: KindIkeInit})
	require.NoError(t, m.Initiate(context.Background(), proto.IKE_SA_INIT))
	assert.Equal(t, 0, sent.count())
}

func TestInitiateOnlyMovesMatchingExchangeTasks(t *testing.T) {
	sc, stop := newTestScheduler(t)
	defer stop()

	sa := ikesa.New(true)
	sent := &sentMsg{}
	m := New(sa, sc, sent.send, nil)

	initTask := &fakeTask{kind: KindIkeInit, buildStatus: Done}
	authTask := &fakeTask{kind: KindIkeAuth, buildStatus: Done}
	m.Queue(initTask)
	m.Queue(authTask)

	require.NoError(t, m.Initiate(context.Background(), proto.IKE_SA_INIT))
	assert.Equal(t, 1, initTask.builds)
	assert.Equal(t, 0, authTask.builds)
	assert.Len(t, m.queued, 1)
}

func TestHandleResponseCancelsRetransmitAndCompletesExchange(t *testing.T) {
	sc, stop := newTestScheduler(t)
	defer stop()

	sa := ikesa.New(true)
	sent := &sentMsg{}
	m := New(sa, sc, sent.send, nil)

	ft := &fakeTask{kind: KindIkeInit, buildStatus: Done, processStatus: Done}
	m.Queue(ft)
	require.NoError(t, m.Initiate(context.Background(), proto.IKE_SA_INIT))

	resp := &wire.Message{Header: wire.Header{
		ExchangeType: proto.IKE_SA_INIT,
		MessageID:    m.retransmitMsgID,
		Flags:        proto.FlagResponse,
	}}
	require.NoError(t, m.HandleResponse(context.Background(), resp, []byte("raw-response")))

	assert.Equal(t, 1, ft.processes)
	assert.True(t, ft.destroyed)
	assert.Equal(t, StateIdle, m.state)
	assert.Nil(t, m.retransmitHandle)
	assert.Equal(t, []byte("raw-response"), sa.InitRespRaw)
}

func TestHandleResponseIgnoresMismatchedMessageID(t *testing.T) {
	sc, stop := newTestScheduler(t)
	defer stop()

	sa := ikesa.New(true)
	sent := &sentMsg{}
	m := New(sa, sc, sent.send, nil)
	ft := &fakeTask{kind: KindIkeInit, buildStatus: Done}
	m.Queue(ft)
	require.NoError(t, m.Initiate(context.Background(), proto.IKE_SA_INIT))

	resp := &wire.Message{Header: wire.Header{ExchangeType: proto.IKE_SA_INIT, MessageID: 999}}
	require.NoError(t, m.HandleResponse(context.Background(), resp, nil))
	assert.Equal(t, 0, ft.processes)
	assert.Equal(t, StateWaitingForResponse, m.state)
}

func TestHandleResponseCompletionInitiatesQueuedTask(t *testing.T) {
	sc, stop := newTestScheduler(t)
	defer stop()

	sa := ikesa.New(true)
	sent := &sentMsg{}
	m := New(sa, sc, sent.send, nil)

	initTask := &fakeTask{kind: KindIkeInit, buildStatus: Done, processStatus: Done}
	authTask := &fakeTask{kind: KindIkeAuth, buildStatus: Done}
	m.Queue(initTask)
	m.Queue(authTask)
	require.NoError(t, m.Initiate(context.Background(), proto.IKE_SA_INIT))

	resp := &wire.Message{Header: wire.Header{ExchangeType: proto.IKE_SA_INIT, MessageID: m.retransmitMsgID}}
	require.NoError(t, m.HandleResponse(context.Background(), resp, nil))

	assert.Equal(t, 1, authTask.builds)
	assert.Equal(t, StateWaitingForResponse, m.state)
}

func TestHandleRequestBuildsResponseAndCachesIt(t *testing.T) {
	sc, stop := newTestScheduler(t)
	defer stop()

	sa := ikesa.New(false)
	sent := &sentMsg{}
	m := New(sa, sc, sent.send, nil)

	rt := &fakeTask{kind: KindIkeInit, buildStatus: Done, processStatus: Done}
	req := &wire.Message{Header: wire.Header{ExchangeType: proto.IKE_SA_INIT, MessageID: 0}}

	require.NoError(t, m.HandleRequest(context.Background(), req, []byte("raw-req"), []Task{rt}))

	assert.Equal(t, 1, rt.processes)
	assert.Equal(t, 1, rt.builds)
	assert.True(t, rt.destroyed)
	assert.EqualValues(t, 1, sa.ExpectedRequestID())
	assert.Equal(t, 1, sent.count())
	assert.True(t, m.haveLastSeen)
}

func TestHandleRequestRepliesFromCacheOnDuplicate(t *testing.T) {
	sc, stop := newTestScheduler(t)
	defer stop()

	sa := ikesa.New(false)
	sent := &sentMsg{}
	m := New(sa, sc, sent.send, nil)

	req := &wire.Message{Header: wire.Header{ExchangeType: proto.IKE_SA_INIT, MessageID: 0}}
	rt1 := &fakeTask{kind: KindIkeInit, buildStatus: Done, processStatus: Done}
	require.NoError(t, m.HandleRequest(context.Background(), req, nil, []Task{rt1}))
	require.Equal(t, 1, sent.count())

	rt2 := &fakeTask{kind: KindIkeInit, buildStatus: Done, processStatus: Done}
	require.NoError(t, m.HandleRequest(context.Background(), req, nil, []Task{rt2}))

	assert.Equal(t, 0, rt2.processes, "duplicate request must be answered from cache, not reprocessed")
	assert.Equal(t, 2, sent.count())
}

func TestHandleRequestDropsOutOfSequenceRequest(t *testing.T) {
	sc, stop := newTestScheduler(t)
	defer stop()

	sa := ikesa.New(false)
	sent := &sentMsg{}
	m := New(sa, sc, sent.send, nil)

	req := &wire.Message{Header: wire.Header{ExchangeType: proto.IKE_SA_INIT, MessageID: 5}}
	rt := &fakeTask{kind: KindIkeInit, buildStatus: Done}
	require.NoError(t, m.HandleRequest(context.Background(), req, nil, []Task{rt}))

	assert.Equal(t, 0, rt.processes)
	assert.Equal(t, 0, sent.count())
}

func TestRetransmitExhaustionDeclaresSADead(t *testing.T) {
	sc, stop := newTestScheduler(t)
	defer stop()

	sa := ikesa.New(true)
	sent := &sentMsg{}
	var deadCalled int32
	var mu sync.Mutex
	m := New(sa, sc, sent.send, func() {
		mu.Lock()
		deadCalled++
		mu.Unlock()
	})
	m.policy = RetransmitPolicy{D0: 5 * time.Millisecond, R: 1, N: 1}

	m.Queue(&fakeTask{kind: KindIkeInit, buildStatus: Done})
	require.NoError(t, m.Initiate(context.Background(), proto.IKE_SA_INIT))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return deadCalled > 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, StateDead, m.state)
}

func TestResolveRekeyCollisionLowerNonceWins(t *testing.T) {
	assert.True(t, ResolveRekeyCollision([]byte{0x01}, []byte{0x02}))
	assert.False(t, ResolveRekeyCollision([]byte{0x02}, []byte{0x01}))
}
