// Package engine composes the channel session, presence tracker, timeline
// reconcilers, delivery pipeline, and call manager into the single facade the
// UI talks to.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"hireline/rtc-engine/internal/cache"
	"hireline/rtc-engine/internal/call"
	"hireline/rtc-engine/internal/channel"
	"hireline/rtc-engine/internal/config"
	"hireline/rtc-engine/internal/delivery"
	"hireline/rtc-engine/internal/metrics"
	"hireline/rtc-engine/internal/presence"
	"hireline/rtc-engine/internal/remote"
	"hireline/rtc-engine/internal/timeline"
	"hireline/rtc-engine/pkg/models"
)

const notificationBacklog = 256

var (
	ErrAlreadyStarted      = errors.New("engine already started")
	ErrUnknownConversation = errors.New("unknown conversation")
)

// Channel is the relay session surface the engine drives. *channel.Session
// satisfies it.
type Channel interface {
	Start(ctx context.Context) error
	Close() error
	Connected() bool
	On(event string, h channel.Handler) func()
	OnStateChange(fn func(channel.State)) func()
	Send(event string, payload any) error
	JoinRoom(conversationID string)
	LeaveRoom(conversationID string)
}

// Remote is the REST surface the engine calls. *remote.Client satisfies it.
type Remote interface {
	FetchConversations(ctx context.Context) ([]models.Conversation, error)
	FetchHistory(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	SendText(ctx context.Context, req remote.TextRequest) (models.Message, error)
	UploadAttachment(ctx context.Context, req remote.UploadRequest) (models.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
}

type Deps struct {
	Channel Channel
	Remote  Remote
	Cache   cache.Store

	Media        call.MediaProvider
	NewTransport call.TransportFactory
	Ringer       call.Ringer

	Logger *slog.Logger
}

// TimelineUpdate is the payload of notify.conversation.timeline.
type TimelineUpdate struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []models.Message `json:"messages"`
}

type Core struct {
	cfg    config.Config
	local  models.Identity
	logger *slog.Logger

	ch    Channel
	rc    Remote
	store cache.Store
	hub   *Hub

	presence *presence.Tracker
	throttle *presence.TypingThrottle
	pipeline *delivery.Pipeline
	calls    *call.Manager

	mu            sync.Mutex
	runCtx        context.Context
	reconcilers   map[string]*timeline.Reconciler
	open          map[string]int
	order         []string
	summaries     map[string]models.Conversation
	unsubs        []func()
	started       bool
	everConnected bool
}

func NewCore(cfg config.Config, local models.Identity, deps Deps) *Core {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := deps.Cache
	if store == nil {
		store = cache.NewMemory()
	}

	c := &Core{
		cfg:         cfg,
		local:       local,
		logger:      logger.With("component", "engine"),
		ch:          deps.Channel,
		rc:          deps.Remote,
		store:       store,
		hub:         NewHub(notificationBacklog),
		runCtx:      context.Background(),
		reconcilers: make(map[string]*timeline.Reconciler),
		open:        make(map[string]int),
		summaries:   make(map[string]models.Conversation),
	}

	c.presence = presence.NewTracker(cfg.TypingExpiry, func() {
		c.hub.Publish("notify.presence.state", c.Presence())
	})
	c.presence.OnExpire(metrics.ObserveTypingExpiry)
	c.throttle = presence.NewTypingThrottle(cfg.TypingThrottle)

	c.pipeline = delivery.NewPipeline(delivery.Deps{
		InsertPending:  c.insertPending,
		Confirm:        c.confirmDelivery,
		Fail:           c.failDelivery,
		Remove:         c.removeDelivery,
		Delivery:       c.deliveryState,
		SendText:       deps.Remote.SendText,
		Upload:         deps.Remote.UploadAttachment,
		Notify:         func(method string, payload any) { c.hub.Publish(method, payload) },
		RecordError:    c.recordError,
		RequestTimeout: cfg.RequestTimeout,
		UploadTimeout:  cfg.UploadTimeout,
	}, local, logger)

	c.calls = call.NewManager(call.Deps{
		Send:         deps.Channel.Send,
		Notify:       c.publishCallState,
		RecordError:  c.recordCallError,
		Media:        deps.Media,
		NewTransport: deps.NewTransport,
		Ringer:       deps.Ringer,
	}, local, logger)

	return c
}

// Start subscribes the channel event handlers and launches the session loop.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.runCtx = ctx
	c.mu.Unlock()

	c.subscribeEvents()
	return c.ch.Start(ctx)
}

// Stop tears the engine down: handlers unsubscribed, open timelines
// persisted, session closed.
func (c *Core) Stop() error {
	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	openIDs := make([]string, 0, len(c.open))
	for id := range c.open {
		openIDs = append(openIDs, id)
	}
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, id := range openIDs {
		c.persistTimeline(ctx, id)
	}
	c.presence.Reset()
	return c.ch.Close()
}

// Subscribe exposes the notification hub to the UI.
func (c *Core) Subscribe(fromSeq int64) ([]Event, <-chan Event, func()) {
	return c.hub.Subscribe(fromSeq)
}

// Open joins the conversation room, serves the cached timeline, then fetches
// history and reconciles. A failed fetch keeps the prior snapshot; the
// returned error is recoverable and Open may simply be called again.
func (c *Core) Open(ctx context.Context, conversationID string) ([]models.Message, error) {
	if conversationID == "" {
		return nil, ErrUnknownConversation
	}
	c.mu.Lock()
	c.open[conversationID]++
	reopened := c.open[conversationID] > 1
	rec := c.ensureReconcilerLocked(conversationID)
	c.mu.Unlock()

	c.ch.JoinRoom(conversationID)

	// The cache seed is for first display only. A conversation that is
	// already open holds live state, including sends still in flight.
	if !reopened {
		cached, hit, err := c.store.GetTimeline(ctx, conversationID)
		if err != nil {
			c.logger.Warn("cache read failed", "conversation_id", conversationID, "err", err)
		}
		metrics.ObserveCacheRead(hit)
		if hit {
			rec.LoadCached(cached)
			c.publishTimeline(conversationID, rec.Snapshot())
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	fetched, err := c.rc.FetchHistory(fetchCtx, conversationID, c.cfg.HistoryPageSize)
	if err != nil {
		c.recordError("history_fetch", err)
		return rec.Snapshot(), fmt.Errorf("fetch history for %s: %w", conversationID, err)
	}
	rec.ApplyHistory(fetched)

	snap := rec.Snapshot()
	if err := c.store.PutTimeline(ctx, conversationID, snap); err != nil {
		c.logger.Warn("cache write failed", "conversation_id", conversationID, "err", err)
	}
	c.publishTimeline(conversationID, snap)
	return snap, nil
}

// Close releases one open reference, leaves the room, and persists the final
// snapshot.
func (c *Core) Close(ctx context.Context, conversationID string) {
	c.mu.Lock()
	if c.open[conversationID] > 0 {
		c.open[conversationID]--
		if c.open[conversationID] == 0 {
			delete(c.open, conversationID)
		}
	}
	c.mu.Unlock()

	c.ch.LeaveRoom(conversationID)
	c.persistTimeline(ctx, conversationID)
}

// Timeline returns the current reconciled snapshot, nil when the
// conversation was never opened.
func (c *Core) Timeline(conversationID string) []models.Message {
	c.mu.Lock()
	rec := c.reconcilers[conversationID]
	c.mu.Unlock()
	if rec == nil {
		return nil
	}
	return rec.Snapshot()
}

// Refresh replaces the conversation summaries from the remote service.
func (c *Core) Refresh(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	conversations, err := c.rc.FetchConversations(fetchCtx)
	if err != nil {
		c.recordError("conversations_fetch", err)
		return fmt.Errorf("fetch conversations: %w", err)
	}

	c.mu.Lock()
	c.order = c.order[:0]
	c.summaries = make(map[string]models.Conversation, len(conversations))
	for _, conv := range conversations {
		c.order = append(c.order, conv.ID)
		c.summaries[conv.ID] = conv
	}
	c.mu.Unlock()

	c.publishConversations()
	return nil
}

// Conversations returns the summaries, most recently active first.
func (c *Core) Conversations() []models.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Conversation, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.summaries[id])
	}
	return out
}

// MarkRead reports the conversation read to the remote service, broadcasts
// the read event to the peer, and zeroes the local unread count.
func (c *Core) MarkRead(ctx context.Context, conversationID string) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	if err := c.rc.MarkRead(reqCtx, conversationID); err != nil {
		c.recordError("mark_read", err)
		return fmt.Errorf("mark read %s: %w", conversationID, err)
	}
	if err := c.ch.Send(channel.EventMessagesRead, channel.ReadPayload{
		ConversationID: conversationID,
		ReaderID:       c.local.ID,
	}); err != nil {
		c.logger.Warn("read event send failed", "conversation_id", conversationID, "err", err)
	}

	c.mu.Lock()
	if summary, ok := c.summaries[conversationID]; ok {
		summary.UnreadCount = 0
		c.summaries[conversationID] = summary
	}
	c.mu.Unlock()
	c.publishConversations()
	return nil
}

// SendText validates and dispatches an outbound text message. Delivery runs
// on its own goroutine; progress is reported through the notification hub.
func (c *Core) SendText(conversationID, content, replyToID string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return delivery.ErrEmptyMessage
	}
	replyTo := c.resolveReply(conversationID, replyToID)
	metrics.ObserveSend()
	ctx := c.runContext()
	go func() {
		if _, err := c.pipeline.SendText(ctx, conversationID, content, replyTo); err != nil {
			metrics.ObserveSendFailed()
		}
	}()
	return nil
}

// SendAttachment dispatches an outbound attachment upload.
func (c *Core) SendAttachment(conversationID string, in delivery.AttachmentInput, replyToID string) error {
	if len(in.Data) == 0 {
		return delivery.ErrEmptyMessage
	}
	in.ReplyTo = c.resolveReply(conversationID, replyToID)
	metrics.ObserveSend()
	ctx := c.runContext()
	go func() {
		if _, err := c.pipeline.SendAttachment(ctx, conversationID, in); err != nil {
			metrics.ObserveSendFailed()
		}
	}()
	return nil
}

// RetrySend re-attempts a failed message under its original temporary id.
func (c *Core) RetrySend(tempID string) {
	metrics.ObserveSend()
	ctx := c.runContext()
	go func() {
		if err := c.pipeline.Retry(ctx, tempID); err != nil {
			metrics.ObserveSendFailed()
		}
	}()
}

// DiscardSend drops a failed message from its timeline.
func (c *Core) DiscardSend(tempID string) bool {
	return c.pipeline.Discard(tempID)
}

// Typing emits a throttled typing signal for the conversation.
func (c *Core) Typing(conversationID string) {
	if !c.throttle.Allow(conversationID, time.Now()) {
		return
	}
	if err := c.ch.Send(channel.EventTyping, channel.TypingPayload{
		ConversationID: conversationID,
		UserID:         c.local.ID,
	}); err != nil && !errors.Is(err, channel.ErrNotConnected) {
		c.logger.Warn("typing send failed", "err", err)
	}
}

// StoppedTyping emits an explicit stop; peers also expire on their own timer.
func (c *Core) StoppedTyping(conversationID string) {
	_ = c.ch.Send(channel.EventTypingStopped, channel.TypingPayload{
		ConversationID: conversationID,
		UserID:         c.local.ID,
	})
}

// Presence snapshots the online set and typing indicators.
func (c *Core) Presence() models.PresenceSnapshot {
	return models.PresenceSnapshot{
		OnlineUserIDs: c.presence.OnlineUserIDs(),
		TypingByConv:  c.presence.TypingByConversation(),
	}
}

func (c *Core) IsOnline(userID string) bool {
	return c.presence.IsOnline(userID)
}

// StartCall rings the conversation peer.
func (c *Core) StartCall(ctx context.Context, conversationID string) (string, error) {
	c.mu.Lock()
	summary, ok := c.summaries[conversationID]
	c.mu.Unlock()
	if !ok {
		return "", ErrUnknownConversation
	}
	peer, ok := summary.Peer(c.local.ID)
	if !ok {
		return "", ErrUnknownConversation
	}
	return c.calls.StartCall(ctx, conversationID, peer)
}

// AcceptCall answers the ringing call. It blocks for media acquisition; call
// it from a UI goroutine, not an event handler.
func (c *Core) AcceptCall(ctx context.Context) error { return c.calls.Accept(ctx) }

func (c *Core) RejectCall() error { return c.calls.Reject() }

func (c *Core) HangUp() error { return c.calls.HangUp() }

func (c *Core) ToggleMute() (bool, error) { return c.calls.ToggleMute() }

func (c *Core) ToggleSpeaker() (bool, error) { return c.calls.ToggleSpeaker() }

func (c *Core) ActiveCall() (models.CallSession, bool) { return c.calls.Active() }

func (c *Core) subscribeEvents() {
	on := func(event string, h channel.Handler) {
		unsub := c.ch.On(event, h)
		c.mu.Lock()
		c.unsubs = append(c.unsubs, unsub)
		c.mu.Unlock()
	}

	on(channel.EventMessageNew, c.handleMessageNew)
	on(channel.EventMessagesRead, c.handleMessagesRead)
	on(channel.EventTyping, c.handleTyping)
	on(channel.EventTypingStopped, c.handleTypingStopped)
	on(channel.EventPresenceSnapshot, c.handlePresenceSnapshot)
	on(channel.EventUserOnline, c.handleUserOnline)
	on(channel.EventUserOffline, c.handleUserOffline)
	on(channel.EventCallInitiate, c.handleCallInitiate)
	on(channel.EventCallAccept, c.handleCallAccept)
	on(channel.EventCallReject, c.handleCallReject)
	on(channel.EventCallEnd, c.handleCallEnd)
	on(channel.EventCallSignal, c.handleCallSignal)

	stateUnsub := c.ch.OnStateChange(c.handleChannelState)
	c.mu.Lock()
	c.unsubs = append(c.unsubs, stateUnsub)
	c.mu.Unlock()
}

func (c *Core) handleMessageNew(raw json.RawMessage) {
	var msg models.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.logger.Warn("malformed message event", "err", err)
		return
	}
	if msg.ID == "" || msg.ConversationID == "" {
		return
	}

	c.mu.Lock()
	rec := c.reconcilers[msg.ConversationID]
	isOpen := c.open[msg.ConversationID] > 0
	c.mu.Unlock()

	if rec != nil {
		rec.ApplyBroadcast(msg)
		c.publishTimeline(msg.ConversationID, rec.Snapshot())
	}
	incrementUnread := msg.Sender.ID != c.local.ID && !isOpen
	c.updateSummary(msg, incrementUnread)
	c.hub.Publish("notify.message.received", msg)
}

func (c *Core) handleMessagesRead(raw json.RawMessage) {
	var p channel.ReadPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ReaderID == c.local.ID {
		return
	}
	c.mu.Lock()
	rec := c.reconcilers[p.ConversationID]
	c.mu.Unlock()
	if rec == nil {
		return
	}
	if rec.MarkPeerRead(p.ReaderID) > 0 {
		c.hub.Publish("notify.message.read", p)
	}
}

func (c *Core) handleTyping(raw json.RawMessage) {
	var p channel.TypingPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.UserID == c.local.ID {
		return
	}
	c.presence.MarkTyping(p.ConversationID, p.UserID)
}

func (c *Core) handleTypingStopped(raw json.RawMessage) {
	var p channel.TypingPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.UserID == c.local.ID {
		return
	}
	c.presence.MarkStoppedTyping(p.ConversationID, p.UserID)
}

func (c *Core) handlePresenceSnapshot(raw json.RawMessage) {
	var p channel.SnapshotPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	c.presence.ApplyOnlineSnapshot(p.Online)
}

func (c *Core) handleUserOnline(raw json.RawMessage) {
	var p channel.OnlinePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.UserID == "" {
		return
	}
	c.presence.MarkOnline(p.UserID)
}

func (c *Core) handleUserOffline(raw json.RawMessage) {
	var p channel.OnlinePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.UserID == "" {
		return
	}
	c.presence.MarkOffline(p.UserID)
}

func (c *Core) handleCallInitiate(raw json.RawMessage) {
	var p call.InitiatePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	c.calls.HandleInitiate(p)
}

func (c *Core) handleCallAccept(raw json.RawMessage) {
	var p call.AcceptPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	// Media setup blocks; never on the dispatch goroutine.
	go c.calls.HandleAccept(c.runContext(), p)
}

func (c *Core) handleCallReject(raw json.RawMessage) {
	var p call.RejectPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	c.calls.HandleReject(p)
}

func (c *Core) handleCallEnd(raw json.RawMessage) {
	var p call.EndPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	c.calls.HandleEnd(p)
}

func (c *Core) handleCallSignal(raw json.RawMessage) {
	var p call.SignalPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	go c.calls.HandleSignal(c.runContext(), p)
}

func (c *Core) handleChannelState(state channel.State) {
	c.hub.Publish("notify.channel.state", string(state))
	if state != channel.StateConnected {
		return
	}

	c.mu.Lock()
	reconnect := c.everConnected
	c.everConnected = true
	openIDs := make([]string, 0, len(c.open))
	for id := range c.open {
		openIDs = append(openIDs, id)
	}
	c.mu.Unlock()

	if reconnect {
		metrics.ObserveReconnect()
	}
	if err := c.ch.Send(channel.EventPresenceRequest, struct{}{}); err != nil {
		c.logger.Warn("presence request failed", "err", err)
	}
	// Presence and read state may have moved while offline.
	go c.recoverOpenConversations(openIDs)
}

func (c *Core) recoverOpenConversations(conversationIDs []string) {
	ctx := c.runContext()
	for _, id := range conversationIDs {
		c.mu.Lock()
		rec := c.reconcilers[id]
		c.mu.Unlock()
		if rec == nil {
			continue
		}
		fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		fetched, err := c.rc.FetchHistory(fetchCtx, id, c.cfg.HistoryPageSize)
		cancel()
		if err != nil {
			c.recordError("history_fetch", err)
			continue
		}
		rec.ApplyHistory(fetched)
		snap := rec.Snapshot()
		if err := c.store.PutTimeline(ctx, id, snap); err != nil {
			c.logger.Warn("cache write failed", "conversation_id", id, "err", err)
		}
		c.publishTimeline(id, snap)
	}
}

func (c *Core) insertPending(msg models.Message) {
	c.mu.Lock()
	rec := c.ensureReconcilerLocked(msg.ConversationID)
	c.mu.Unlock()
	rec.InsertPending(msg)
	c.updateSummary(msg, false)
	c.publishTimeline(msg.ConversationID, rec.Snapshot())
}

func (c *Core) confirmDelivery(conversationID, tempID string, confirmed models.Message) {
	c.mu.Lock()
	rec := c.reconcilers[conversationID]
	c.mu.Unlock()
	if rec == nil {
		return
	}
	rec.Confirm(tempID, confirmed)
	c.updateSummary(confirmed, false)
	c.publishTimeline(conversationID, rec.Snapshot())
}

func (c *Core) failDelivery(conversationID, tempID, reason string) {
	c.mu.Lock()
	rec := c.reconcilers[conversationID]
	c.mu.Unlock()
	if rec == nil {
		return
	}
	rec.Fail(tempID, reason)
	c.publishTimeline(conversationID, rec.Snapshot())
}

func (c *Core) removeDelivery(conversationID, tempID string) bool {
	c.mu.Lock()
	rec := c.reconcilers[conversationID]
	c.mu.Unlock()
	if rec == nil {
		return false
	}
	removed := rec.Remove(tempID)
	if removed {
		c.publishTimeline(conversationID, rec.Snapshot())
	}
	return removed
}

func (c *Core) deliveryState(conversationID, id string) (models.DeliveryState, bool) {
	c.mu.Lock()
	rec := c.reconcilers[conversationID]
	c.mu.Unlock()
	if rec == nil {
		return "", false
	}
	msg, ok := rec.Get(id)
	if !ok {
		return "", false
	}
	return msg.Delivery, true
}

func (c *Core) ensureReconcilerLocked(conversationID string) *timeline.Reconciler {
	rec, ok := c.reconcilers[conversationID]
	if !ok {
		rec = timeline.NewReconciler(conversationID, c.local.ID, c.logger)
		c.reconcilers[conversationID] = rec
	}
	return rec
}

func (c *Core) resolveReply(conversationID, replyToID string) *models.ReplyReference {
	if replyToID == "" {
		return nil
	}
	c.mu.Lock()
	rec := c.reconcilers[conversationID]
	c.mu.Unlock()
	if rec != nil {
		if original, ok := rec.Get(replyToID); ok {
			return original.ReplySnapshot()
		}
	}
	return models.UnavailableReply(replyToID)
}

// updateSummary refreshes the conversation's preview and moves it to the
// front of the list.
func (c *Core) updateSummary(msg models.Message, incrementUnread bool) {
	c.mu.Lock()
	summary, ok := c.summaries[msg.ConversationID]
	if !ok {
		summary = models.Conversation{ID: msg.ConversationID}
		if msg.Sender.ID != c.local.ID {
			summary.Participants = []models.Identity{c.local, msg.Sender}
		}
	}
	if !msg.CreatedAt.Before(summary.LastMessageAt) {
		summary.LastMessage = msg.Snippet()
		summary.LastMessageAt = msg.CreatedAt
	}
	if incrementUnread {
		summary.UnreadCount++
	}
	c.summaries[msg.ConversationID] = summary

	front := make([]string, 0, len(c.order)+1)
	front = append(front, msg.ConversationID)
	for _, id := range c.order {
		if id != msg.ConversationID {
			front = append(front, id)
		}
	}
	c.order = front
	c.mu.Unlock()

	c.publishConversations()
}

func (c *Core) persistTimeline(ctx context.Context, conversationID string) {
	c.mu.Lock()
	rec := c.reconcilers[conversationID]
	c.mu.Unlock()
	if rec == nil {
		return
	}
	if err := c.store.PutTimeline(ctx, conversationID, rec.Snapshot()); err != nil {
		c.logger.Warn("cache write failed", "conversation_id", conversationID, "err", err)
	}
}

func (c *Core) publishTimeline(conversationID string, messages []models.Message) {
	c.hub.Publish("notify.conversation.timeline", TimelineUpdate{
		ConversationID: conversationID,
		Messages:       messages,
	})
}

func (c *Core) publishConversations() {
	c.hub.Publish("notify.conversation.list", c.Conversations())
}

func (c *Core) publishCallState(method string, payload any) {
	if sess, ok := payload.(models.CallSession); ok {
		switch sess.State {
		case models.CallStateCalling, models.CallStateRinging:
			metrics.ObserveCallStarted()
		case models.CallStateEnded, models.CallStateFailed:
			metrics.ObserveCallEnded(sess.EndReason)
		}
	}
	c.hub.Publish(method, payload)
}

func (c *Core) recordCallError(category string, err error) {
	if category == "stale_signal" {
		metrics.ObserveStaleSignal()
		return
	}
	c.recordError(category, err)
}

func (c *Core) recordError(category string, err error) {
	c.logger.Warn("engine error", "category", category, "err", err)
}

func (c *Core) runContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runCtx
}
