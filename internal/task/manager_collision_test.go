package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ikecore/charon/internal/ikesa"
)

// fakeNonceTask extends fakeTask with a fixed Nonce, satisfying nonceTask so
// the manager's collision detection can find it among m.active.
type fakeNonceTask struct {
	fakeTask
	nonce []byte
}

func (f *fakeNonceTask) Nonce() []byte { return f.nonce }

func TestCheckRekeyCollisionReportsNoCollisionWithoutOutstandingRekey(t *testing.T) {
	sc, stop := newTestScheduler(t)
	defer stop()

	m := New(ikesa.New(true), sc, func([]byte) error { return nil }, nil)
	collided, weWin := m.CheckRekeyCollision(KindIkeRekey, []byte{0x05})
	assert.False(t, collided)
	assert.False(t, weWin)
}

func TestCheckRekeyCollisionComparesNonces(t *testing.T) {
	sc, stop := newTestScheduler(t)
	defer stop()

	m := New(ikesa.New(true), sc, func([]byte) error { return nil }, nil)
	m.active = append(m.active, &fakeNonceTask{fakeTask: fakeTask{kind: KindIkeRekey}, nonce: []byte{0x05}})

	collided, weWin := m.CheckRekeyCollision(KindIkeRekey, []byte{0x09})
	assert.True(t, collided)
	assert.True(t, weWin, "lower local nonce (0x05) must win over the peer's higher nonce (0x09)")

	collided, weWin = m.CheckRekeyCollision(KindIkeRekey, []byte{0x01})
	assert.True(t, collided)
	assert.False(t, weWin, "higher local nonce (0x05) must lose to the peer's lower nonce (0x01)")
}

func TestCheckRekeyCollisionIgnoresOtherKinds(t *testing.T) {
	sc, stop := newTestScheduler(t)
	defer stop()

	m := New(ikesa.New(true), sc, func([]byte) error { return nil }, nil)
	m.active = append(m.active, &fakeNonceTask{fakeTask: fakeTask{kind: KindChildRekey}, nonce: []byte{0x05}})

	collided, _ := m.CheckRekeyCollision(KindIkeRekey, []byte{0x09})
	assert.False(t, collided)
}

func TestAbortOutstandingRekeyDestroysMatchingTaskAndResumesQueue(t *testing.T) {
	sc, stop := newTestScheduler(t)
	defer stop()

	sa := ikesa.New(true)
	m := New(sa, sc, func([]byte) error { return nil }, nil)

	rekeying := &fakeTask{kind: KindIkeRekey}
	m.active = append(m.active, rekeying)
	m.state = StateWaitingForResponse

	m.AbortOutstandingRekey(KindIkeRekey)

	assert.True(t, rekeying.destroyed)
	assert.Empty(t, m.active)
	assert.Equal(t, StateIdle, m.state)
}

func TestAbortOutstandingRekeyReInitiatesQueuedWork(t *testing.T) {
	sc, stop := newTestScheduler(t)
	defer stop()

	sa := ikesa.New(true)
	sent := &sentMsg{}
	m := New(sa, sc, sent.send, nil)

	rekeying := &fakeTask{kind: KindIkeRekey}
	m.active = append(m.active, rekeying)
	m.state = StateWaitingForResponse

	next := &fakeTask{kind: KindIkeDelete, buildStatus: Done}
	m.Queue(next)

	m.AbortOutstandingRekey(KindIkeRekey)

	assert.Equal(t, 1, next.builds, "queued work must be kicked off once the collided rekey is cleared")
	require.NotEmpty(t, sent.msgs)
}

func TestAbortOutstandingRekeyNoOpWhenNothingMatches(t *testing.T) {
	sc, stop := newTestScheduler(t)
	defer stop()

	sa := ikesa.New(true)
	m := New(sa, sc, func([]byte) error { return nil }, nil)
	other := &fakeTask{kind: KindIkeAuth}
	m.active = append(m.active, other)
	m.state = StateWaitingForResponse

	m.AbortOutstandingRekey(KindIkeRekey)

	assert.False(t, other.destroyed)
	assert.Equal(t, StateWaitingForResponse, m.state)
	assert.Len(t, m.active, 1)
}
