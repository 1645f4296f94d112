package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"hireline/rtc-engine/internal/channel"
	"hireline/rtc-engine/pkg/models"
)

var (
	ErrCallInProgress = errors.New("a call is already active")
	ErrNoActiveCall   = errors.New("no active call")
	ErrBadTransition  = errors.New("call state transition not allowed")
)

// NewCallID mints the canonical id shared by both peers for one call. Both
// sides key signaling on it, so it must be globally unique.
func NewCallID() string {
	return "call-" + uuid.NewString()
}

// legalTransitions encodes the lifecycle: idle → calling|ringing →
// connecting → connected → ended|failed. Anything else is a no-op.
var legalTransitions = map[models.CallState][]models.CallState{
	models.CallStateIdle:       {models.CallStateCalling, models.CallStateRinging},
	models.CallStateCalling:    {models.CallStateConnecting, models.CallStateEnded, models.CallStateFailed},
	models.CallStateRinging:    {models.CallStateConnecting, models.CallStateEnded, models.CallStateFailed},
	models.CallStateConnecting: {models.CallStateConnected, models.CallStateEnded, models.CallStateFailed},
	models.CallStateConnected:  {models.CallStateEnded, models.CallStateFailed},
}

func transitionAllowed(from, to models.CallState) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Deps struct {
	Send        func(event string, payload any) error
	Notify      func(method string, payload any)
	RecordError func(category string, err error)

	Media        MediaProvider
	NewTransport TransportFactory
	Ringer       Ringer

	Now            func() time.Time
	GenerateCallID func() string
}

type session struct {
	callID         string
	conversationID string
	remote         models.Identity
	direction      models.CallDirection
	state          models.CallState
	startedAt      time.Time
	endedAt        time.Time
	endReason      string
	muted          bool
	speakerOn      bool

	capture       Capture
	transport     MediaTransport
	remoteDescSet bool
	candidates    []string

	cleanup sync.Once
}

// Manager owns at most one active call session per user and processes
// signals for its call id in arrival order. Signals scoped to any other call
// id are discarded, never reordered in.
type Manager struct {
	deps   Deps
	local  models.Identity
	logger *slog.Logger

	mu     sync.Mutex
	active *session
}

func NewManager(deps Deps, local models.Identity, logger *slog.Logger) *Manager {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.GenerateCallID == nil {
		deps.GenerateCallID = NewCallID
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		deps:   deps,
		local:  local,
		logger: logger.With("component", "call"),
	}
}

// StartCall initiates an outgoing call. The session transitions idle →
// calling; peer-connection setup begins only once the remote side accepts.
func (m *Manager) StartCall(ctx context.Context, conversationID string, remote models.Identity) (string, error) {
	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return "", ErrCallInProgress
	}
	sess := &session{
		callID:         m.deps.GenerateCallID(),
		conversationID: conversationID,
		remote:         remote,
		direction:      models.CallOutgoing,
		state:          models.CallStateCalling,
	}
	m.active = sess
	m.mu.Unlock()

	// The calling state is announced before the signal goes out. A send
	// failure then lands as calling → failed, so every observer that saw
	// the call start also sees it end.
	m.notifyState(sess)

	if err := m.deps.Send(channel.EventCallInitiate, InitiatePayload{
		CallID:         sess.callID,
		ConversationID: conversationID,
		Caller:         m.local,
		TargetID:       remote.ID,
	}); err != nil {
		m.fail(sess, "signaling", err)
		return "", err
	}
	return sess.callID, nil
}

// HandleInitiate processes a remote "initiate" signal. While a call is
// already active the new call is auto-rejected with reason busy; the active
// session is untouched.
func (m *Manager) HandleInitiate(p InitiatePayload) {
	if p.TargetID != m.local.ID {
		return
	}
	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		m.logger.Info("busy, auto-rejecting incoming call", "call_id", p.CallID)
		m.send(channel.EventCallReject, RejectPayload{CallID: p.CallID, UserID: m.local.ID, Reason: models.CallEndBusy})
		return
	}
	sess := &session{
		callID:         p.CallID,
		conversationID: p.ConversationID,
		remote:         p.Caller,
		direction:      models.CallIncoming,
		state:          models.CallStateRinging,
	}
	m.active = sess
	m.mu.Unlock()

	if m.deps.Ringer != nil {
		m.deps.Ringer.StartRinging()
	}
	m.notifyState(sess)
}

// Accept answers a ringing incoming call: media is acquired, the transport
// is prepared, and the "accept" signal tells the caller to produce the
// offer. Blocks for media acquisition; run it off the event loop.
func (m *Manager) Accept(ctx context.Context) error {
	m.mu.Lock()
	sess := m.active
	if sess == nil {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	if sess.state != models.CallStateRinging || !transitionAllowed(sess.state, models.CallStateConnecting) {
		m.mu.Unlock()
		return ErrBadTransition
	}
	sess.state = models.CallStateConnecting
	m.mu.Unlock()

	if m.deps.Ringer != nil {
		m.deps.Ringer.StopRinging()
	}
	m.notifyState(sess)

	if err := m.setupMedia(ctx, sess); err != nil {
		return err
	}
	if err := m.deps.Send(channel.EventCallAccept, AcceptPayload{CallID: sess.callID, UserID: m.local.ID}); err != nil {
		m.fail(sess, "signaling", err)
		return err
	}
	return nil
}

// Reject declines a ringing incoming call without ever entering connecting.
func (m *Manager) Reject() error {
	m.mu.Lock()
	sess := m.active
	if sess == nil {
		m.mu.Unlock()
		return ErrNoActiveCall
	}
	if sess.state != models.CallStateRinging {
		m.mu.Unlock()
		return ErrBadTransition
	}
	m.mu.Unlock()

	m.send(channel.EventCallReject, RejectPayload{CallID: sess.callID, UserID: m.local.ID, Reason: models.CallEndRejected})
	m.finish(sess, models.CallStateEnded, models.CallEndRejected)
	return nil
}

// HandleAccept moves the caller side calling → connecting and starts setup
// as the offering side. Blocks for media acquisition; run it off the event
// loop.
func (m *Manager) HandleAccept(ctx context.Context, p AcceptPayload) {
	sess, ok := m.guard(p.CallID, p.UserID)
	if !ok {
		return
	}
	m.mu.Lock()
	if sess.state != models.CallStateCalling || !transitionAllowed(sess.state, models.CallStateConnecting) {
		m.mu.Unlock()
		return
	}
	sess.state = models.CallStateConnecting
	m.mu.Unlock()
	m.notifyState(sess)

	if err := m.setupMedia(ctx, sess); err != nil {
		return
	}

	m.mu.Lock()
	transport := sess.transport
	stale := m.active != sess || sess.state != models.CallStateConnecting
	m.mu.Unlock()
	if stale || transport == nil {
		return
	}
	sdp, err := transport.CreateOffer(ctx)
	if err != nil {
		m.fail(sess, "negotiation", err)
		return
	}
	m.send(channel.EventCallSignal, SignalPayload{
		CallID:   sess.callID,
		SenderID: m.local.ID,
		Kind:     SignalOffer,
		SDP:      sdp,
	})
}

// HandleReject processes the remote declining an outgoing call.
func (m *Manager) HandleReject(p RejectPayload) {
	sess, ok := m.guard(p.CallID, p.UserID)
	if !ok {
		return
	}
	reason := p.Reason
	if reason == "" {
		reason = models.CallEndRejected
	}
	m.finish(sess, models.CallStateEnded, reason)
}

// HandleEnd processes the remote hanging up, at any stage.
func (m *Manager) HandleEnd(p EndPayload) {
	sess, ok := m.guard(p.CallID, p.UserID)
	if !ok {
		return
	}
	reason := p.Reason
	if reason == "" {
		reason = models.CallEndHangup
	}
	m.finish(sess, models.CallStateEnded, reason)
}

// HandleSignal applies an offer, answer, or connectivity candidate.
// Candidates arriving before the remote description are buffered, not
// dropped, and applied once it is set.
func (m *Manager) HandleSignal(ctx context.Context, p SignalPayload) {
	sess, ok := m.guard(p.CallID, p.SenderID)
	if !ok {
		return
	}

	switch p.Kind {
	case SignalOffer:
		m.applyRemoteDescription(ctx, sess, "offer", p.SDP, true)
	case SignalAnswer:
		m.applyRemoteDescription(ctx, sess, "answer", p.SDP, false)
	case SignalCandidate:
		m.applyCandidate(sess, p.Candidate)
	default:
		m.logger.Warn("unknown signal kind dropped", "kind", p.Kind, "call_id", p.CallID)
	}
}

// HangUp ends the call from the local side at any stage. During setup it
// takes effect synchronously; any in-flight setup continuation observes the
// terminal state and stops.
func (m *Manager) HangUp() error {
	m.mu.Lock()
	sess := m.active
	m.mu.Unlock()
	if sess == nil {
		return ErrNoActiveCall
	}

	reason := models.CallEndHangup
	m.mu.Lock()
	if sess.state == models.CallStateCalling {
		// Caller gave up before the callee answered.
		reason = models.CallEndMissed
	}
	m.mu.Unlock()

	m.send(channel.EventCallEnd, EndPayload{CallID: sess.callID, UserID: m.local.ID, Reason: reason})
	m.finish(sess, models.CallStateEnded, reason)
	return nil
}

func (m *Manager) ToggleMute() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return false, ErrNoActiveCall
	}
	m.active.muted = !m.active.muted
	return m.active.muted, nil
}

func (m *Manager) ToggleSpeaker() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return false, ErrNoActiveCall
	}
	m.active.speakerOn = !m.active.speakerOn
	return m.active.speakerOn, nil
}

// Active returns a snapshot of the current call session, if any.
func (m *Manager) Active() (models.CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return models.CallSession{}, false
	}
	return m.snapshotLocked(m.active), true
}

func (m *Manager) snapshotLocked(sess *session) models.CallSession {
	return models.CallSession{
		CallID:         sess.callID,
		ConversationID: sess.conversationID,
		LocalUserID:    m.local.ID,
		RemoteUser:     sess.remote,
		Direction:      sess.direction,
		State:          sess.state,
		StartedAt:      sess.startedAt,
		EndedAt:        sess.endedAt,
		EndReason:      sess.endReason,
		Muted:          sess.muted,
		SpeakerOn:      sess.speakerOn,
	}
}

// guard returns the active session only when the signal's call id and
// sender match it. Stale signals are counted and silently discarded.
func (m *Manager) guard(callID, senderID string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.active
	if sess == nil || sess.callID != callID || sess.remote.ID != senderID {
		m.logger.Debug("stale call signal discarded", "call_id", callID, "sender_id", senderID)
		if m.deps.RecordError != nil {
			m.deps.RecordError("stale_signal", nil)
		}
		return nil, false
	}
	return sess, true
}

// setupMedia acquires the microphone and builds the transport. On media
// denial the call fails with a distinct reason and no partial peer
// connection is left open.
func (m *Manager) setupMedia(ctx context.Context, sess *session) error {
	capture, err := m.deps.Media.Acquire(ctx)
	if err != nil {
		reason := "negotiation"
		if errors.Is(err, ErrMediaPermission) {
			reason = "media_permission"
		}
		m.fail(sess, reason, err)
		return err
	}

	m.mu.Lock()
	if m.active != sess || sess.state != models.CallStateConnecting {
		m.mu.Unlock()
		capture.Release()
		return ErrNoActiveCall
	}
	sess.capture = capture
	m.mu.Unlock()

	transport, err := m.deps.NewTransport(capture, TransportCallbacks{
		OnCandidate: func(candidate string) {
			m.send(channel.EventCallSignal, SignalPayload{
				CallID:    sess.callID,
				SenderID:  m.local.ID,
				Kind:      SignalCandidate,
				Candidate: candidate,
			})
		},
		OnConnected: func() { m.markConnected(sess) },
	})
	if err != nil {
		m.fail(sess, "negotiation", err)
		return err
	}

	m.mu.Lock()
	if m.active != sess || sess.state != models.CallStateConnecting {
		m.mu.Unlock()
		_ = transport.Close()
		return ErrNoActiveCall
	}
	sess.transport = transport
	m.mu.Unlock()
	return nil
}

func (m *Manager) applyRemoteDescription(ctx context.Context, sess *session, kind, sdp string, answerBack bool) {
	m.mu.Lock()
	transport := sess.transport
	m.mu.Unlock()
	if transport == nil {
		m.logger.Warn("remote description before transport ready", "call_id", sess.callID, "kind", kind)
		return
	}
	if err := transport.SetRemoteDescription(kind, sdp); err != nil {
		m.fail(sess, "negotiation", err)
		return
	}

	m.mu.Lock()
	sess.remoteDescSet = true
	buffered := sess.candidates
	sess.candidates = nil
	m.mu.Unlock()
	for _, candidate := range buffered {
		if err := transport.AddICECandidate(candidate); err != nil {
			m.logger.Warn("buffered candidate rejected", "call_id", sess.callID, "err", err)
		}
	}

	if !answerBack {
		return
	}
	sdp, err := transport.CreateAnswer(ctx)
	if err != nil {
		m.fail(sess, "negotiation", err)
		return
	}
	m.send(channel.EventCallSignal, SignalPayload{
		CallID:   sess.callID,
		SenderID: m.local.ID,
		Kind:     SignalAnswer,
		SDP:      sdp,
	})
}

func (m *Manager) applyCandidate(sess *session, candidate string) {
	m.mu.Lock()
	transport := sess.transport
	ready := sess.remoteDescSet && transport != nil
	if !ready {
		sess.candidates = append(sess.candidates, candidate)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := transport.AddICECandidate(candidate); err != nil {
		m.logger.Warn("candidate rejected", "call_id", sess.callID, "err", err)
	}
}

// markConnected stamps startedAt; call-duration timers never start earlier.
func (m *Manager) markConnected(sess *session) {
	m.mu.Lock()
	if m.active != sess || !transitionAllowed(sess.state, models.CallStateConnected) {
		m.mu.Unlock()
		return
	}
	sess.state = models.CallStateConnected
	sess.startedAt = m.deps.Now()
	m.mu.Unlock()
	m.notifyState(sess)
}

func (m *Manager) fail(sess *session, reason string, err error) {
	if m.deps.RecordError != nil {
		m.deps.RecordError(reason, err)
	}
	m.logger.Warn("call failed", "call_id", sess.callID, "reason", reason, "err", err)
	m.finish(sess, models.CallStateFailed, reason)
}

// finish runs the terminal transition and the cleanup sequence exactly
// once; a local hangup racing a remote end signal is safe.
func (m *Manager) finish(sess *session, terminal models.CallState, reason string) {
	sess.cleanup.Do(func() {
		m.mu.Lock()
		if !sess.state.Terminal() {
			sess.state = terminal
		}
		sess.endReason = reason
		sess.endedAt = m.deps.Now()
		sess.muted = false
		sess.speakerOn = false
		capture := sess.capture
		transport := sess.transport
		sess.capture = nil
		sess.transport = nil
		sess.candidates = nil
		if m.active == sess {
			m.active = nil
		}
		m.mu.Unlock()

		if m.deps.Ringer != nil {
			m.deps.Ringer.StopRinging()
		}
		if transport != nil {
			_ = transport.Close()
		}
		if capture != nil {
			capture.Release()
		}
		m.notifyState(sess)
	})
}

func (m *Manager) send(event string, payload any) {
	if err := m.deps.Send(event, payload); err != nil {
		m.logger.Warn("call signal send failed", "event", event, "err", err)
		if m.deps.RecordError != nil {
			m.deps.RecordError("signaling", err)
		}
	}
}

func (m *Manager) notifyState(sess *session) {
	if m.deps.Notify == nil {
		return
	}
	m.mu.Lock()
	snap := m.snapshotLocked(sess)
	m.mu.Unlock()
	m.deps.Notify("notify.call.state", snap)
}
