package call

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"hireline/rtc-engine/internal/channel"
	"hireline/rtc-engine/pkg/models"
)

var (
	localUser  = models.Identity{ID: "u-local", DisplayName: "Local"}
	remoteUser = models.Identity{ID: "u-remote", DisplayName: "Remote"}
)

type fakeCapture struct {
	mu       sync.Mutex
	released int
}

func (c *fakeCapture) Release() {
	c.mu.Lock()
	c.released++
	c.mu.Unlock()
}

func (c *fakeCapture) releaseCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

type fakeProvider struct {
	capture *fakeCapture
	err     error
}

func (p *fakeProvider) Acquire(context.Context) (Capture, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.capture, nil
}

type fakeTransport struct {
	mu         sync.Mutex
	remoteKind string
	remoteSDP  string
	candidates []string
	closed     int
	cb         TransportCallbacks
}

func (t *fakeTransport) CreateOffer(context.Context) (string, error) { return "offer-sdp", nil }
func (t *fakeTransport) CreateAnswer(context.Context) (string, error) { return "answer-sdp", nil }

func (t *fakeTransport) SetRemoteDescription(kind, sdp string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remoteKind = kind
	t.remoteSDP = sdp
	return nil
}

func (t *fakeTransport) AddICECandidate(candidate string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = append(t.candidates, candidate)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

func (t *fakeTransport) appliedCandidates() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.candidates...)
}

type fakeRinger struct {
	mu      sync.Mutex
	starts  int
	stops   int
	ringing bool
}

func (r *fakeRinger) StartRinging() {
	r.mu.Lock()
	r.starts++
	r.ringing = true
	r.mu.Unlock()
}

func (r *fakeRinger) StopRinging() {
	r.mu.Lock()
	r.stops++
	r.ringing = false
	r.mu.Unlock()
}

type sentSignal struct {
	event   string
	payload any
}

type callFixture struct {
	manager   *Manager
	provider  *fakeProvider
	transport *fakeTransport
	ringer    *fakeRinger

	mu   sync.Mutex
	sent []sentSignal
}

func newCallFixture(t *testing.T) *callFixture {
	t.Helper()
	f := &callFixture{
		provider:  &fakeProvider{capture: &fakeCapture{}},
		transport: &fakeTransport{},
		ringer:    &fakeRinger{},
	}
	deps := Deps{
		Send: func(event string, payload any) error {
			f.mu.Lock()
			f.sent = append(f.sent, sentSignal{event: event, payload: payload})
			f.mu.Unlock()
			return nil
		},
		Media: f.provider,
		NewTransport: func(_ Capture, cb TransportCallbacks) (MediaTransport, error) {
			f.transport.cb = cb
			return f.transport, nil
		},
		Ringer:         f.ringer,
		Now:            func() time.Time { return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC) },
		GenerateCallID: func() string { return "k1" },
	}
	f.manager = NewManager(deps, localUser, nil)
	return f
}

func (f *callFixture) lastSignal() (sentSignal, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return sentSignal{}, false
	}
	return f.sent[len(f.sent)-1], true
}

func mustState(t *testing.T, m *Manager, want models.CallState) models.CallSession {
	t.Helper()
	sess, ok := m.Active()
	if !ok {
		t.Fatalf("no active call, wanted state %s", want)
	}
	if sess.State != want {
		t.Fatalf("state = %s, want %s", sess.State, want)
	}
	return sess
}

func TestNewCallIDMintsUniquePrefixedIDs(t *testing.T) {
	a := NewCallID()
	b := NewCallID()
	if !strings.HasPrefix(a, "call-") {
		t.Fatalf("call id missing prefix: %q", a)
	}
	if a == b {
		t.Fatalf("call ids collided: %q", a)
	}
}

func TestFailedInitiateSignalAnnouncesCallingThenFailed(t *testing.T) {
	var (
		mu     sync.Mutex
		states []models.CallState
	)
	deps := Deps{
		Send: func(string, any) error { return errors.New("socket closed") },
		Notify: func(method string, payload any) {
			if method != "notify.call.state" {
				return
			}
			sess := payload.(models.CallSession)
			mu.Lock()
			states = append(states, sess.State)
			mu.Unlock()
		},
		Media:          &fakeProvider{capture: &fakeCapture{}},
		NewTransport:   func(Capture, TransportCallbacks) (MediaTransport, error) { return &fakeTransport{}, nil },
		Ringer:         &fakeRinger{},
		GenerateCallID: func() string { return "k1" },
	}
	m := NewManager(deps, localUser, nil)

	if _, err := m.StartCall(context.Background(), "c1", remoteUser); err == nil {
		t.Fatal("expected error from failed initiate signal")
	}

	// Every observer that saw the call start must also see it end.
	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || states[0] != models.CallStateCalling || states[1] != models.CallStateFailed {
		t.Fatalf("state notifications = %v, want calling then failed", states)
	}
	if _, ok := m.Active(); ok {
		t.Fatal("failed call left active")
	}
}

func TestOutgoingCallFullHandshake(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()

	callID, err := f.manager.StartCall(ctx, "c1", remoteUser)
	if err != nil {
		t.Fatalf("start call failed: %v", err)
	}
	if callID != "k1" {
		t.Fatalf("call id = %q", callID)
	}
	mustState(t, f.manager, models.CallStateCalling)

	f.manager.HandleAccept(ctx, AcceptPayload{CallID: "k1", UserID: remoteUser.ID})
	mustState(t, f.manager, models.CallStateConnecting)

	last, ok := f.lastSignal()
	if !ok || last.event != channel.EventCallSignal {
		t.Fatalf("expected offer signal, got %+v", last)
	}
	if sig := last.payload.(SignalPayload); sig.Kind != SignalOffer || sig.SDP != "offer-sdp" {
		t.Fatalf("unexpected offer payload: %+v", sig)
	}

	f.manager.HandleSignal(ctx, SignalPayload{CallID: "k1", SenderID: remoteUser.ID, Kind: SignalAnswer, SDP: "their-answer"})
	if f.transport.remoteKind != "answer" || f.transport.remoteSDP != "their-answer" {
		t.Fatalf("answer not applied: %q/%q", f.transport.remoteKind, f.transport.remoteSDP)
	}

	f.transport.cb.OnConnected()
	sess := mustState(t, f.manager, models.CallStateConnected)
	if sess.StartedAt.IsZero() {
		t.Fatal("startedAt not stamped on connect")
	}
}

func TestIncomingCallAcceptSendsAcceptAndAnswersOffer(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()

	f.manager.HandleInitiate(InitiatePayload{CallID: "k1", ConversationID: "c1", Caller: remoteUser, TargetID: localUser.ID})
	mustState(t, f.manager, models.CallStateRinging)
	if f.ringer.starts != 1 {
		t.Fatalf("ring not started: %d", f.ringer.starts)
	}

	if err := f.manager.Accept(ctx); err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	mustState(t, f.manager, models.CallStateConnecting)
	if f.ringer.stops == 0 {
		t.Fatal("ring not stopped on accept")
	}

	f.manager.HandleSignal(ctx, SignalPayload{CallID: "k1", SenderID: remoteUser.ID, Kind: SignalOffer, SDP: "their-offer"})
	last, _ := f.lastSignal()
	if sig := last.payload.(SignalPayload); sig.Kind != SignalAnswer {
		t.Fatalf("expected answer back, got %+v", last)
	}
}

func TestRingingOnlyReachesLegalStates(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()
	f.manager.HandleInitiate(InitiatePayload{CallID: "k1", ConversationID: "c1", Caller: remoteUser, TargetID: localUser.ID})

	// An accepted signal is meaningless while ringing; it must be a no-op.
	f.manager.HandleAccept(ctx, AcceptPayload{CallID: "k1", UserID: remoteUser.ID})
	mustState(t, f.manager, models.CallStateRinging)

	// A connected report before connecting is illegal too.
	if transitionAllowed(models.CallStateRinging, models.CallStateConnected) {
		t.Fatal("ringing must not reach connected directly")
	}
	if !transitionAllowed(models.CallStateRinging, models.CallStateConnecting) {
		t.Fatal("ringing must reach connecting")
	}
	if !transitionAllowed(models.CallStateRinging, models.CallStateFailed) {
		t.Fatal("ringing must reach failed")
	}
	if transitionAllowed(models.CallStateRinging, models.CallStateCalling) {
		t.Fatal("ringing must not reach calling")
	}
}

func TestStaleSignalsAreDiscarded(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()
	_, err := f.manager.StartCall(ctx, "c1", remoteUser)
	if err != nil {
		t.Fatalf("start call failed: %v", err)
	}
	f.manager.HandleAccept(ctx, AcceptPayload{CallID: "k1", UserID: remoteUser.ID})

	before := mustState(t, f.manager, models.CallStateConnecting)

	// Signal for a previous, ended call.
	f.manager.HandleSignal(ctx, SignalPayload{CallID: "k0", SenderID: remoteUser.ID, Kind: SignalAnswer, SDP: "stale"})
	// Signal from an unexpected sender for the right call.
	f.manager.HandleSignal(ctx, SignalPayload{CallID: "k1", SenderID: "u-intruder", Kind: SignalAnswer, SDP: "spoof"})
	f.manager.HandleEnd(EndPayload{CallID: "k0", UserID: remoteUser.ID})

	after := mustState(t, f.manager, models.CallStateConnecting)
	if before.CallID != after.CallID {
		t.Fatal("stale signal mutated the session")
	}
	if f.transport.remoteSDP == "stale" || f.transport.remoteSDP == "spoof" {
		t.Fatal("stale description applied")
	}
}

func TestSecondIncomingCallAutoRejectedBusy(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()
	if _, err := f.manager.StartCall(ctx, "c1", remoteUser); err != nil {
		t.Fatalf("start call failed: %v", err)
	}

	f.manager.HandleInitiate(InitiatePayload{CallID: "k2", ConversationID: "c2", Caller: models.Identity{ID: "u-third"}, TargetID: localUser.ID})

	sess := mustState(t, f.manager, models.CallStateCalling)
	if sess.CallID != "k1" {
		t.Fatalf("active call replaced: %q", sess.CallID)
	}
	last, _ := f.lastSignal()
	if last.event != channel.EventCallReject {
		t.Fatalf("expected busy reject, got %q", last.event)
	}
	if rej := last.payload.(RejectPayload); rej.CallID != "k2" || rej.Reason != models.CallEndBusy {
		t.Fatalf("unexpected reject payload: %+v", rej)
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()
	f.manager.HandleInitiate(InitiatePayload{CallID: "k1", ConversationID: "c1", Caller: remoteUser, TargetID: localUser.ID})
	if err := f.manager.Accept(ctx); err != nil {
		t.Fatalf("accept failed: %v", err)
	}

	f.manager.HandleSignal(ctx, SignalPayload{CallID: "k1", SenderID: remoteUser.ID, Kind: SignalCandidate, Candidate: "cand-1"})
	f.manager.HandleSignal(ctx, SignalPayload{CallID: "k1", SenderID: remoteUser.ID, Kind: SignalCandidate, Candidate: "cand-2"})
	if got := f.transport.appliedCandidates(); len(got) != 0 {
		t.Fatalf("candidates applied before remote description: %v", got)
	}

	f.manager.HandleSignal(ctx, SignalPayload{CallID: "k1", SenderID: remoteUser.ID, Kind: SignalOffer, SDP: "their-offer"})
	got := f.transport.appliedCandidates()
	if len(got) != 2 || got[0] != "cand-1" || got[1] != "cand-2" {
		t.Fatalf("buffered candidates not applied in order: %v", got)
	}

	f.manager.HandleSignal(ctx, SignalPayload{CallID: "k1", SenderID: remoteUser.ID, Kind: SignalCandidate, Candidate: "cand-3"})
	if got := f.transport.appliedCandidates(); len(got) != 3 {
		t.Fatalf("late candidate not applied directly: %v", got)
	}
}

func TestMediaPermissionDenialFailsDistinctly(t *testing.T) {
	f := newCallFixture(t)
	f.provider.err = ErrMediaPermission
	ctx := context.Background()

	f.manager.HandleInitiate(InitiatePayload{CallID: "k1", ConversationID: "c1", Caller: remoteUser, TargetID: localUser.ID})
	if err := f.manager.Accept(ctx); err == nil {
		t.Fatal("expected accept to fail on media denial")
	}

	if _, ok := f.manager.Active(); ok {
		t.Fatal("failed call still active")
	}
	if f.transport.cb.OnConnected != nil {
		t.Fatal("transport built despite media denial")
	}
}

func TestCleanupRunsOnceUnderHangupRace(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()
	if _, err := f.manager.StartCall(ctx, "c1", remoteUser); err != nil {
		t.Fatalf("start call failed: %v", err)
	}
	f.manager.HandleAccept(ctx, AcceptPayload{CallID: "k1", UserID: remoteUser.ID})
	f.transport.cb.OnConnected()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = f.manager.HangUp()
	}()
	go func() {
		defer wg.Done()
		f.manager.HandleEnd(EndPayload{CallID: "k1", UserID: remoteUser.ID})
	}()
	wg.Wait()

	if f.provider.capture.releaseCount() != 1 {
		t.Fatalf("capture released %d times", f.provider.capture.releaseCount())
	}
	f.transport.mu.Lock()
	closed := f.transport.closed
	f.transport.mu.Unlock()
	if closed != 1 {
		t.Fatalf("transport closed %d times", closed)
	}
	if _, ok := f.manager.Active(); ok {
		t.Fatal("session still active after cleanup")
	}
}

func TestHangupBeforeAcceptIsMissed(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()
	if _, err := f.manager.StartCall(ctx, "c1", remoteUser); err != nil {
		t.Fatalf("start call failed: %v", err)
	}

	if err := f.manager.HangUp(); err != nil {
		t.Fatalf("hangup failed: %v", err)
	}
	last, _ := f.lastSignal()
	if last.event != channel.EventCallEnd {
		t.Fatalf("expected end signal, got %q", last.event)
	}
	if end := last.payload.(EndPayload); end.Reason != models.CallEndMissed {
		t.Fatalf("expected missed reason, got %q", end.Reason)
	}
}

func TestRejectBeforeAcceptEndsWithoutConnecting(t *testing.T) {
	f := newCallFixture(t)
	f.manager.HandleInitiate(InitiatePayload{CallID: "k1", ConversationID: "c1", Caller: remoteUser, TargetID: localUser.ID})

	if err := f.manager.Reject(); err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if _, ok := f.manager.Active(); ok {
		t.Fatal("rejected call still active")
	}
	if f.ringer.ringing {
		t.Fatal("ring still active after reject")
	}
	if f.provider.capture.releaseCount() != 0 {
		t.Fatal("media acquired for a rejected call")
	}
}

func TestMuteAndSpeakerResetOnCleanup(t *testing.T) {
	f := newCallFixture(t)
	ctx := context.Background()
	if _, err := f.manager.StartCall(ctx, "c1", remoteUser); err != nil {
		t.Fatalf("start call failed: %v", err)
	}
	f.manager.HandleAccept(ctx, AcceptPayload{CallID: "k1", UserID: remoteUser.ID})
	f.transport.cb.OnConnected()

	if muted, _ := f.manager.ToggleMute(); !muted {
		t.Fatal("mute toggle failed")
	}
	if speaker, _ := f.manager.ToggleSpeaker(); !speaker {
		t.Fatal("speaker toggle failed")
	}

	_ = f.manager.HangUp()
	if _, err := f.manager.ToggleMute(); err == nil {
		t.Fatal("toggle succeeded without an active call")
	}
}
