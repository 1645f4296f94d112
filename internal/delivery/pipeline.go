package delivery

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mr-tron/base58/base58"

	"hireline/rtc-engine/internal/remote"
	"hireline/rtc-engine/pkg/models"
)

var (
	ErrEmptyMessage   = errors.New("message has no content and no attachment")
	ErrUnknownMessage = errors.New("message is not awaiting delivery")
	ErrNotFailed      = errors.New("message is not in a failed state")
)

// TempID mints a client-generated placeholder id. It never collides with a
// server id: servers assign uuids, temporary ids carry the tmp- prefix.
func TempID() string {
	buf := make([]byte, 9)
	rand.Read(buf)
	return "tmp-" + base58.Encode(buf)
}

// Deps wires the pipeline to the reconciler, the remote service, and the
// engine hooks. Every field is a plain function so tests can fake any
// collaborator.
type Deps struct {
	InsertPending func(msg models.Message)
	Confirm       func(conversationID, tempID string, confirmed models.Message)
	Fail          func(conversationID, tempID, reason string)
	Remove        func(conversationID, tempID string) bool
	Delivery      func(conversationID, tempID string) (models.DeliveryState, bool)

	SendText func(ctx context.Context, req remote.TextRequest) (models.Message, error)
	Upload   func(ctx context.Context, req remote.UploadRequest) (models.Message, error)

	Now         func() time.Time
	Notify      func(method string, payload any)
	RecordError func(category string, err error)

	RequestTimeout time.Duration
	UploadTimeout  time.Duration
}

type outboundKind int

const (
	kindText outboundKind = iota
	kindAttachment
)

type outbound struct {
	kind           outboundKind
	conversationID string
	text           remote.TextRequest
	upload         remote.UploadRequest
}

// Pipeline turns user-composed messages into optimistic timeline entries and
// reconciles the remote result back in. Sends are independent of each other:
// each carries its own temporary id, and a slow upload never blocks a text
// send.
type Pipeline struct {
	deps   Deps
	local  models.Identity
	logger *slog.Logger

	mu     sync.Mutex
	outbox map[string]outbound
}

func NewPipeline(deps Deps, local models.Identity, logger *slog.Logger) *Pipeline {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 15 * time.Second
	}
	if deps.UploadTimeout <= 0 {
		deps.UploadTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		deps:   deps,
		local:  local,
		logger: logger.With("component", "delivery"),
		outbox: make(map[string]outbound),
	}
}

// SendText validates, inserts the optimistic entry, performs the remote send
// and confirms or fails the entry in place. It blocks until the remote step
// settles; callers that must not block run it on its own goroutine.
func (p *Pipeline) SendText(ctx context.Context, conversationID, content string, replyTo *models.ReplyReference) (string, error) {
	if content == "" {
		return "", ErrEmptyMessage
	}
	tempID := TempID()
	p.insertOptimistic(models.Message{
		ID:             tempID,
		ConversationID: conversationID,
		Sender:         p.local,
		Content:        content,
		CreatedAt:      p.deps.Now(),
		ReplyTo:        replyTo,
		Delivery:       models.DeliveryPending,
	})

	req := remote.TextRequest{
		ConversationID: conversationID,
		Content:        content,
	}
	if replyTo != nil {
		req.ReplyToID = replyTo.ID
	}
	p.stash(tempID, outbound{kind: kindText, conversationID: conversationID, text: req})
	return tempID, p.deliverText(ctx, conversationID, tempID, req)
}

type AttachmentInput struct {
	FileName      string
	ContentType   string
	Data          []byte
	Caption       string
	ReplyTo       *models.ReplyReference
	VoiceDuration int
}

// SendAttachment behaves like SendText but performs a multi-part upload with
// the longer upload timeout to tolerate large media.
func (p *Pipeline) SendAttachment(ctx context.Context, conversationID string, in AttachmentInput) (string, error) {
	if len(in.Data) == 0 && in.Caption == "" {
		return "", ErrEmptyMessage
	}
	tempID := TempID()
	p.insertOptimistic(models.Message{
		ID:             tempID,
		ConversationID: conversationID,
		Sender:         p.local,
		Content:        in.Caption,
		CreatedAt:      p.deps.Now(),
		ReplyTo:        in.ReplyTo,
		Delivery:       models.DeliveryPending,
		Attachment: &models.Attachment{
			Name:          in.FileName,
			MimeType:      in.ContentType,
			Size:          int64(len(in.Data)),
			VoiceDuration: in.VoiceDuration,
		},
	})

	req := remote.UploadRequest{
		ConversationID: conversationID,
		Caption:        in.Caption,
		FileName:       in.FileName,
		ContentType:    in.ContentType,
		Data:           in.Data,
		VoiceDuration:  in.VoiceDuration,
	}
	if in.ReplyTo != nil {
		req.ReplyToID = in.ReplyTo.ID
	}
	p.stash(tempID, outbound{kind: kindAttachment, conversationID: conversationID, upload: req})
	return tempID, p.deliverUpload(ctx, conversationID, tempID, req)
}

// Retry re-runs the remote step for a failed entry, reusing its temporary id
// so the timeline slot is preserved. An entry whose first send is still in
// flight is refused; re-sending it could deliver the message twice.
func (p *Pipeline) Retry(ctx context.Context, tempID string) error {
	p.mu.Lock()
	out, ok := p.outbox[tempID]
	p.mu.Unlock()
	if !ok {
		return ErrUnknownMessage
	}
	if p.deps.Delivery != nil {
		state, known := p.deps.Delivery(out.conversationID, tempID)
		if !known {
			return ErrUnknownMessage
		}
		if state != models.DeliveryFailed {
			return ErrNotFailed
		}
	}
	switch out.kind {
	case kindAttachment:
		return p.deliverUpload(ctx, out.conversationID, tempID, out.upload)
	default:
		return p.deliverText(ctx, out.conversationID, tempID, out.text)
	}
}

// Discard drops a failed entry from the timeline and forgets its payload.
func (p *Pipeline) Discard(tempID string) bool {
	p.mu.Lock()
	out, ok := p.outbox[tempID]
	delete(p.outbox, tempID)
	p.mu.Unlock()
	if !ok {
		return false
	}
	removed := true
	if p.deps.Remove != nil {
		removed = p.deps.Remove(out.conversationID, tempID)
	}
	return removed
}

func (p *Pipeline) deliverText(ctx context.Context, conversationID, tempID string, req remote.TextRequest) error {
	sendCtx, cancel := context.WithTimeout(ctx, p.deps.RequestTimeout)
	defer cancel()
	confirmed, err := p.deps.SendText(sendCtx, req)
	return p.settle(conversationID, tempID, confirmed, err)
}

func (p *Pipeline) deliverUpload(ctx context.Context, conversationID, tempID string, req remote.UploadRequest) error {
	sendCtx, cancel := context.WithTimeout(ctx, p.deps.UploadTimeout)
	defer cancel()
	confirmed, err := p.deps.Upload(sendCtx, req)
	return p.settle(conversationID, tempID, confirmed, err)
}

func (p *Pipeline) settle(conversationID, tempID string, confirmed models.Message, err error) error {
	if err != nil {
		p.logger.Warn("message send failed", "conversation_id", conversationID, "message_id", tempID, "err", err)
		if p.deps.RecordError != nil {
			p.deps.RecordError("network", err)
		}
		p.deps.Fail(conversationID, tempID, err.Error())
		p.notify("notify.message.failed", map[string]any{
			"conversation_id": conversationID,
			"message_id":      tempID,
			"reason":          err.Error(),
		})
		return err
	}

	p.mu.Lock()
	delete(p.outbox, tempID)
	p.mu.Unlock()

	p.deps.Confirm(conversationID, tempID, confirmed)
	p.notify("notify.message.confirmed", map[string]any{
		"conversation_id": conversationID,
		"temp_id":         tempID,
		"message":         confirmed,
	})
	return nil
}

func (p *Pipeline) insertOptimistic(msg models.Message) {
	p.deps.InsertPending(msg)
	p.notify("notify.message.pending", map[string]any{
		"conversation_id": msg.ConversationID,
		"message":         msg,
	})
}

func (p *Pipeline) stash(tempID string, out outbound) {
	p.mu.Lock()
	p.outbox[tempID] = out
	p.mu.Unlock()
}

func (p *Pipeline) notify(method string, payload any) {
	if p.deps.Notify != nil {
		p.deps.Notify(method, payload)
	}
}
