package task

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ikecore/charon/internal/ikesa"
	"github.com/ikecore/charon/internal/proto"
	"github.com/ikecore/charon/internal/sched"
	"github.com/ikecore/charon/internal/suite"
	"github.com/ikecore/charon/internal/wire"
	"github.com/ikecore/charon/pkg/log"
	"github.com/ikecore/charon/pkg/metrics"
)

// ManagerState is one node of the task manager's state machine.
type ManagerState int

const (
	StateIdle ManagerState = iota
	StateWaitingForResponse
	StateProcessing
	StateDead
)

// RetransmitPolicy controls the exponential backoff schedule:
// d0, d0*r, d0*r^2, ... up to n attempts.
type RetransmitPolicy struct {
	D0 time.Duration
	R  float64
	N  int
}

// DefaultRetransmitPolicy is the d0=4s, r=1.8, n=5 schedule.
var DefaultRetransmitPolicy = RetransmitPolicy{D0: 4 * time.Second, R: 1.8, N: 5}

// exchangeKind maps a task Kind to the exchange type it participates in.
func exchangeKind(k Kind) proto.ExchangeType {
	switch k {
	case KindIkeInit, KindIkeNatD:
		return proto.IKE_SA_INIT
	case KindIkeCert, KindIkeAuth, KindIkeConfig:
		return proto.IKE_AUTH
	case KindChildCreate, KindChildRekey, KindIkeRekey:
		return proto.CREATE_CHILD_SA
	case KindIkeDelete, KindIkeDPD, KindIkeMobike, KindChildDelete:
		return proto.INFORMATIONAL
	default:
		return proto.INFORMATIONAL
	}
}

// Manager owns one IKE_SA's active/queued task queues and drives both the
// initiator and responder exchange loops over it.
type Manager struct {
	sa    *ikesa.IKESA
	sched *sched.Scheduler
	send  func(b []byte) error
	onDead func()

	logger zerolog.Logger

	state   ManagerState
	active  []Task
	queued  []Task
	policy  RetransmitPolicy

	exchangeType  proto.ExchangeType
	retransmitMsgID uint32
	retransmitAttempt int
	retransmitHandle *sched.Handle

	// responder-side duplicate-request cache
	lastSeenReqID  uint32
	haveLastSeen   bool
	cachedResponse []byte
}

// New builds a Manager for sa. send transmits an encoded wire message; onDead
// is invoked once the task manager enters the DEAD state (the caller destroys
// the IKE_SA).
func New(sa *ikesa.IKESA, scheduler *sched.Scheduler, send func([]byte) error, onDead func()) *Manager {
	return &Manager{
		sa:     sa,
		sched:  scheduler,
		send:   send,
		onDead: onDead,
		logger: log.WithComponent("task"),
		state:  StateIdle,
		policy: DefaultRetransmitPolicy,
	}
}

// Queue appends a task awaiting a free exchange slot.
func (m *Manager) Queue(t Task) {
	m.queued = append(m.queued, t)
}

// canonicalLess orders tasks for Build calls within one exchange.
func canonicalLess(a, b Task) bool {
	return buildOrder[a.Kind()] < buildOrder[b.Kind()]
}

func sortByBuildOrder(ts []Task) {
	for i := 1; i < len(ts); i++ {
		for j := i; j > 0 && canonicalLess(ts[j], ts[j-1]); j-- {
			ts[j], ts[j-1] = ts[j-1], ts[j]
		}
	}
}

// Initiate moves every queued task compatible with exchangeType into active,
// builds and sends the request, and arms the retransmit timer. Called when
// the manager is IDLE and has queued work (or is kicked directly, e.g. for
// the very first IKE_SA_INIT).
func (m *Manager) Initiate(ctx context.Context, exchangeType proto.ExchangeType) error {
	if m.state != StateIdle {
		return nil
	}
	var remaining []Task
	for _, t := range m.queued {
		if exchangeKind(t.Kind()) == exchangeType {
			m.active = append(m.active, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	m.queued = remaining
	if len(m.active) == 0 {
		return nil
	}
	sortByBuildOrder(m.active)
	m.exchangeType = exchangeType

	msgID := m.sa.NextRequestID()
	msg := &wire.Message{Header: wire.Header{
		SpiI: m.sa.SpiI, SpiR: m.sa.SpiR,
		MajorVersion: proto.IKEv2MajorVersion, MinorVersion: proto.IKEv2MinorVersion,
		ExchangeType: exchangeType,
		MessageID:    msgID,
	}}
	if m.sa.IsInitiator {
		msg.Header.Flags |= proto.FlagInitiator
	}

	for _, t := range m.active {
		if _, err := t.Build(m.sa, msg); err != nil {
			return err
		}
	}

	encSuite := m.encryptSuite(exchangeType)
	out, err := msg.Encode(encSuite, m.sa.EncryptKey(), m.sa.IntegKeyOut())
	if err != nil {
		return err
	}
	if err := m.send(out); err != nil {
		return err
	}
	if exchangeType == proto.IKE_SA_INIT {
		m.sa.InitReqRaw = out
	}

	m.state = StateWaitingForResponse
	m.retransmitMsgID = msgID
	m.retransmitAttempt = 0
	m.armRetransmit(out)
	return nil
}

// encryptSuite returns nil for IKE_SA_INIT (sent in the clear) and the
// negotiated suite for every later exchange, which is always inside an SK.
func (m *Manager) encryptSuite(exchangeType proto.ExchangeType) *suite.Suite {
	if exchangeType == proto.IKE_SA_INIT {
		return nil
	}
	return m.sa.Suite
}

func (m *Manager) armRetransmit(raw []byte) {
	delay := m.policy.D0
	for i := 0; i < m.retransmitAttempt; i++ {
		delay = time.Duration(float64(delay) * m.policy.R)
	}
	msgID := m.retransmitMsgID
	h := m.sched.ScheduleIn(delay, sched.JobFunc{
		FuncName: "retransmit",
		Func: func(ctx context.Context) {
			m.onRetransmitDue(msgID, raw)
		},
	})
	m.retransmitHandle = &h
}

// onRetransmitDue fires from the scheduler. If the SA has moved past the
// message-id this retransmit was scheduled for, it discards itself — jobs
// are cancelled lazily, checked only when they pop rather than reaped
// eagerly.
func (m *Manager) onRetransmitDue(msgID uint32, raw []byte) {
	if m.state != StateWaitingForResponse || m.retransmitMsgID != msgID {
		return
	}
	m.retransmitAttempt++
	if m.retransmitAttempt > m.policy.N {
		m.logger.Warn().Uint32("msg_id", msgID).Msg("retransmit budget exhausted, declaring SA dead")
		m.state = StateDead
		if m.onDead != nil {
			m.onDead()
		}
		return
	}
	metrics.RetransmitsTotal.Inc()
	_ = m.send(raw)
	m.armRetransmit(raw)
}

// HandleResponse is called by the daemon's receive path with a decoded
// response (and its raw encoded form, needed by the AUTH task's signed-octets
// computation) whose message-id matches our outstanding request. It cancels
// the retransmit timer, runs Process on every active task, and either
// completes the exchange or re-enters Initiate for any tasks still NeedMore.
func (m *Manager) HandleResponse(ctx context.Context, msg *wire.Message, raw []byte) error {
	if m.state != StateWaitingForResponse || msg.Header.MessageID != m.retransmitMsgID {
		return nil
	}
	if m.retransmitHandle != nil {
		m.retransmitHandle.Cancel()
		m.retransmitHandle = nil
	}
	if msg.Header.ExchangeType == proto.IKE_SA_INIT {
		m.sa.InitRespRaw = raw
	}
	m.state = StateProcessing

	var stillActive []Task
	for _, t := range m.active {
		status, err := t.Process(m.sa, msg)
		if err != nil || status == Failed {
			m.logger.Warn().Str("task", kindName(t.Kind())).Err(err).Msg("task failed processing response")
			t.Destroy()
			continue
		}
		if status == NeedMore {
			stillActive = append(stillActive, t)
		} else {
			t.Destroy()
		}
	}
	m.active = stillActive

	if len(m.active) > 0 {
		// tasks that returned NeedMore run another round of the same
		// exchange under the next message-id.
		m.state = StateIdle
		return m.Initiate(ctx, m.exchangeType)
	}
	if len(m.active) == 0 {
		m.state = StateIdle
		if len(m.queued) > 0 {
			return m.Initiate(ctx, exchangeKind(m.queued[0].Kind()))
		}
	}
	return nil
}

// HandleRequest is the responder-side entry point. reqID is the message's
// own message-id; expected is the SA's current expected-in counter. raw is
// the request's encoded form, retained for IKE_SA_INIT's AUTH signed octets.
func (m *Manager) HandleRequest(ctx context.Context, msg *wire.Message, raw []byte, responders []Task) error {
	reqID := msg.Header.MessageID
	expected := m.sa.ExpectedRequestID()

	if msg.Header.ExchangeType == proto.IKE_SA_INIT {
		m.sa.InitReqRaw = raw
	}

	if m.haveLastSeen && reqID == m.lastSeenReqID {
		return m.send(m.cachedResponse)
	}
	if reqID != expected {
		m.logger.Debug().Uint32("got", reqID).Uint32("want", expected).Msg("dropping out-of-sequence request")
		return nil
	}

	m.state = StateProcessing
	active := responders
	sortByBuildOrder(active)

	for _, t := range active {
		if _, err := t.Process(m.sa, msg); err != nil {
			m.logger.Warn().Err(err).Msg("responder task failed processing request")
		}
	}

	resp := &wire.Message{Header: wire.Header{
		SpiI: m.sa.SpiI, SpiR: m.sa.SpiR,
		MajorVersion: proto.IKEv2MajorVersion, MinorVersion: proto.IKEv2MinorVersion,
		ExchangeType: msg.Header.ExchangeType,
		MessageID:    reqID,
		Flags:        proto.FlagResponse,
	}}
	for _, t := range active {
		if _, err := t.Build(m.sa, resp); err != nil {
			m.logger.Warn().Err(err).Msg("responder task failed building response")
		}
		t.Destroy()
	}

	encSuite := m.encryptSuite(msg.Header.ExchangeType)
	out, err := resp.Encode(encSuite, m.sa.EncryptKey(), m.sa.IntegKeyOut())
	if err != nil {
		return err
	}
	if err := m.send(out); err != nil {
		return err
	}

	if msg.Header.ExchangeType == proto.IKE_SA_INIT {
		m.sa.InitRespRaw = out
	}
	m.lastSeenReqID = reqID
	m.haveLastSeen = true
	m.cachedResponse = out
	m.sa.AdvanceResponderID()
	m.state = StateIdle
	return nil
}

func kindName(k Kind) string {
	switch k {
	case KindIkeInit:
		return "ike_init"
	case KindIkeNatD:
		return "ike_natd"
	case KindIkeCert:
		return "ike_cert"
	case KindIkeAuth:
		return "ike_auth"
	case KindChildCreate:
		return "child_create"
	case KindChildRekey:
		return "child_rekey"
	case KindChildDelete:
		return "child_delete"
	case KindIkeRekey:
		return "ike_rekey"
	case KindIkeDelete:
		return "ike_delete"
	case KindIkeDPD:
		return "ike_dpd"
	case KindIkeMobike:
		return "ike_mobike"
	case KindIkeConfig:
		return "ike_config"
	default:
		return "unknown"
	}
}

// ResolveRekeyCollision implements the simultaneous-rekey rule: the side
// with the numerically lower nonce (see ikesa.LowerNonce) wins and keeps its new SA; the
// loser deletes its own and adopts the winner's.
func ResolveRekeyCollision(myNonce, theirNonce []byte) (iWin bool) {
	return ikesa.LowerNonce(myNonce, theirNonce)
}

// nonceTask is a task whose collision outcome is decided by nonce comparison
// (IkeRekeyTask, ChildRekeyTask) rather than build order alone.
type nonceTask interface {
	Task
	Nonce() []byte
}

// outstandingRekey returns our own active task of kind k, if one is
// currently waiting on a response — the "our rekey is in flight" half of a
// simultaneous-rekey collision check.
func (m *Manager) outstandingRekey(k Kind) (nonceTask, bool) {
	for _, t := range m.active {
		if t.Kind() != k {
			continue
		}
		if nt, ok := t.(nonceTask); ok {
			return nt, true
		}
	}
	return nil, false
}

// CheckRekeyCollision answers whether a just-arrived peer rekey request of
// kind k collides with one of our own outstanding rekeys of the same kind,
// and if so, who wins (RFC 7296 §2.8). collided is false when we have no
// competing rekey in flight, in which case the peer's request should simply
// proceed.
func (m *Manager) CheckRekeyCollision(k Kind, theirNonce []byte) (collided, weWin bool) {
	mine, ok := m.outstandingRekey(k)
	if !ok {
		return false, false
	}
	return true, ResolveRekeyCollision(mine.Nonce(), theirNonce)
}

// AbortOutstandingRekey cancels our own in-flight rekey of kind k because we
// lost a collision (or the peer deleted the SA/child being rekeyed, which
// always wins over a rekey). The task is removed from the active set and
// destroyed without its response ever being processed; if nothing else is
// active the manager falls idle and picks up any queued work.
func (m *Manager) AbortOutstandingRekey(k Kind) {
	var remaining []Task
	aborted := false
	for _, t := range m.active {
		if t.Kind() == k {
			if m.retransmitHandle != nil {
				m.retransmitHandle.Cancel()
				m.retransmitHandle = nil
			}
			t.Destroy()
			aborted = true
			continue
		}
		remaining = append(remaining, t)
	}
	if !aborted {
		return
	}
	m.active = remaining
	if len(m.active) == 0 {
		m.state = StateIdle
		if len(m.queued) > 0 {
			_ = m.Initiate(context.Background(), exchangeKind(m.queued[0].Kind()))
		}
	}
}
