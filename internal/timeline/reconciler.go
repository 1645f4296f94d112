package timeline

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"hireline/rtc-engine/pkg/models"
)

// Reconciler owns the canonical ordered view of one conversation, merged
// from the cached copy, the authoritative history fetch, and the live
// broadcast stream. It is the single point that establishes message order;
// raw event arrival carries no ordering guarantee.
type Reconciler struct {
	conversationID string
	localUserID    string
	logger         *slog.Logger

	mu    sync.Mutex
	order []string
	byID  map[string]models.Message
}

func NewReconciler(conversationID, localUserID string, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		conversationID: conversationID,
		localUserID:    localUserID,
		logger:         logger.With("component", "timeline", "conversation_id", conversationID),
		byID:           make(map[string]models.Message),
	}
}

func compositeKey(msg models.Message) string {
	return fmt.Sprintf("%d|%s|%s", msg.CreatedAt.UnixMilli(), msg.Sender.ID, msg.Content)
}

// LoadCached seeds the timeline from the cached copy for immediate display.
// Locally pending (and failed) entries already held survive the seed; a
// re-opened conversation must not lose a send that is still in flight.
func (r *Reconciler) LoadCached(cached []models.Message) {
	sorted := models.CloneMessages(cached)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	r.replaceLocked(sorted)
}

// ApplyHistory replaces the displayed set with the authoritative fetch,
// re-appending locally pending (and failed) entries the fetch does not know
// about after the fetched tail, in timestamp order.
func (r *Reconciler) ApplyHistory(fetched []models.Message) {
	sorted := models.CloneMessages(fetched)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	r.replaceLocked(sorted)
}

// replaceLocked swaps the displayed set for sorted, carrying over current
// pending and failed entries the new set does not cover.
func (r *Reconciler) replaceLocked(sorted []models.Message) {
	var local []models.Message
	for _, id := range r.order {
		msg := r.byID[id]
		if msg.Delivery == models.DeliveryPending || msg.Delivery == models.DeliveryFailed {
			local = append(local, msg)
		}
	}
	sort.SliceStable(local, func(i, j int) bool {
		return local[i].CreatedAt.Before(local[j].CreatedAt)
	})

	r.order = r.order[:0]
	r.byID = make(map[string]models.Message, len(sorted)+len(local))
	seen := make(map[string]struct{}, len(sorted))
	for _, msg := range sorted {
		key := compositeKey(msg)
		if _, dup := r.byID[msg.ID]; dup {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		r.appendLocked(msg)
	}
	for _, msg := range local {
		if _, known := r.byID[msg.ID]; known {
			continue
		}
		if _, known := seen[compositeKey(msg)]; known {
			continue
		}
		r.appendLocked(msg)
	}
	r.resolveRepliesLocked()
}

// InsertPending places an optimistic entry after everything currently
// displayed. Its position is final: confirmation rewrites it in place.
func (r *Reconciler) InsertPending(msg models.Message) {
	msg.Delivery = models.DeliveryPending
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byID[msg.ID]; dup {
		r.logger.Warn("duplicate pending id ignored", "message_id", msg.ID)
		return
	}
	r.appendLocked(msg)
	r.resolveReplyLocked(msg.ID)
}

// Confirm rewrites the optimistic entry with the server-confirmed message:
// canonical id, corrected timestamp, server-enriched reply. The entry keeps
// its position so the view never jumps. If a broadcast already confirmed the
// same logical message under the canonical id, the temporary entry is
// dropped instead.
func (r *Reconciler) Confirm(tempID string, confirmed models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[confirmed.ID]; ok && confirmed.ID != tempID {
		// Broadcast won the race; discard the temporary duplicate.
		r.removeLocked(tempID)
		existing.Delivery = models.DeliveryConfirmed
		r.byID[confirmed.ID] = existing
		return
	}

	entry, ok := r.byID[tempID]
	if !ok {
		return
	}
	read := entry.Read
	entry = confirmed
	entry.ConversationID = r.conversationID
	entry.Delivery = models.DeliveryConfirmed
	entry.FailReason = ""
	entry.Read = entry.Read || read

	delete(r.byID, tempID)
	r.byID[entry.ID] = entry
	for i, id := range r.order {
		if id == tempID {
			r.order[i] = entry.ID
			break
		}
	}
	r.resolveReplyLocked(entry.ID)
}

// Fail marks the optimistic entry failed, preserving its content for retry
// or inspection.
func (r *Reconciler) Fail(tempID, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.byID[tempID]
	if !ok {
		return
	}
	entry.Delivery = models.DeliveryFailed
	entry.FailReason = reason
	r.byID[tempID] = entry
}

func (r *Reconciler) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[id]; !ok {
		return false
	}
	r.removeLocked(id)
	return true
}

// ApplyBroadcast merges a live message event. A broadcast that is the
// confirmation of a local pending entry confirms it in place; a genuinely
// new message is inserted by timestamp.
func (r *Reconciler) ApplyBroadcast(msg models.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[msg.ID]; ok {
		changed := false
		if !existing.Delivery.IsSettled() && existing.Delivery != models.DeliveryFailed {
			existing.Delivery = models.DeliveryConfirmed
			changed = true
		}
		if msg.Read && !existing.Read {
			existing.Read = true
			changed = true
		}
		r.byID[msg.ID] = existing
		return changed
	}

	if id, ok := r.matchPendingLocked(msg); ok {
		r.confirmInPlaceLocked(id, msg)
		return true
	}

	msg.ConversationID = r.conversationID
	if msg.Delivery == "" {
		msg.Delivery = models.DeliveryConfirmed
	}
	r.insertByTimeLocked(msg)
	r.resolveReplyLocked(msg.ID)
	return true
}

// matchPendingLocked finds a not-yet-confirmed local entry the broadcast
// logically duplicates: exact composite match, or same sender and content
// for the local user's own echo (the server broadcast carries the corrected
// timestamp, so the pair cannot match on time).
func (r *Reconciler) matchPendingLocked(msg models.Message) (string, bool) {
	key := compositeKey(msg)
	for _, id := range r.order {
		entry := r.byID[id]
		if entry.Delivery != models.DeliveryPending {
			continue
		}
		if compositeKey(entry) == key {
			return id, true
		}
		if msg.Sender.ID == r.localUserID && entry.Sender.ID == r.localUserID && entry.Content == msg.Content {
			return id, true
		}
	}
	return "", false
}

func (r *Reconciler) confirmInPlaceLocked(tempID string, confirmed models.Message) {
	entry := r.byID[tempID]
	read := entry.Read
	entry = confirmed
	entry.ConversationID = r.conversationID
	entry.Delivery = models.DeliveryConfirmed
	entry.FailReason = ""
	entry.Read = entry.Read || read

	delete(r.byID, tempID)
	r.byID[entry.ID] = entry
	for i, id := range r.order {
		if id == tempID {
			r.order[i] = entry.ID
			break
		}
	}
	r.resolveReplyLocked(entry.ID)
}

// MarkPeerRead marks every message authored by the local user as read. The
// flag is monotonic.
func (r *Reconciler) MarkPeerRead(readerID string) int {
	if readerID == r.localUserID {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	updated := 0
	for id, msg := range r.byID {
		if msg.Sender.ID == r.localUserID && !msg.Read {
			msg.Read = true
			r.byID[id] = msg
			updated++
		}
	}
	return updated
}

func (r *Reconciler) Get(id string) (models.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok := r.byID[id]
	return msg, ok
}

func (r *Reconciler) Snapshot() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Message, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

func (r *Reconciler) appendLocked(msg models.Message) {
	msg.ConversationID = r.conversationID
	if msg.Delivery == "" {
		msg.Delivery = models.DeliveryConfirmed
	}
	r.byID[msg.ID] = msg
	r.order = append(r.order, msg.ID)
}

func (r *Reconciler) removeLocked(id string) {
	delete(r.byID, id)
	for i, cur := range r.order {
		if cur == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// insertByTimeLocked places a message by createdAt ascending, ties broken by
// arrival order. Existing entries are never re-sorted.
func (r *Reconciler) insertByTimeLocked(msg models.Message) {
	r.byID[msg.ID] = msg
	pos := len(r.order)
	for pos > 0 {
		prev := r.byID[r.order[pos-1]]
		if !prev.CreatedAt.After(msg.CreatedAt) {
			break
		}
		pos--
	}
	r.order = append(r.order, "")
	copy(r.order[pos+1:], r.order[pos:])
	r.order[pos] = msg.ID
}

func (r *Reconciler) resolveRepliesLocked() {
	for _, id := range r.order {
		r.resolveReplyLocked(id)
	}
}

// resolveReplyLocked fills in the denormalized reply snapshot from the
// in-memory index, or substitutes the unavailable placeholder. Rendering is
// never blocked on resolution.
func (r *Reconciler) resolveReplyLocked(id string) {
	msg, ok := r.byID[id]
	if !ok || msg.ReplyTo == nil || msg.ReplyTo.Resolved() {
		return
	}
	if target, ok := r.byID[msg.ReplyTo.ID]; ok {
		msg.ReplyTo = target.ReplySnapshot()
	} else {
		msg.ReplyTo = models.UnavailableReply(msg.ReplyTo.ID)
	}
	r.byID[id] = msg
}
