package presence

import (
	"sort"
	"sync"
	"time"
)

const DefaultTypingExpiry = 3 * time.Second

type typingKey struct {
	conversationID string
	userID         string
}

// Tracker holds the online set and per-conversation typing state. It is
// rebuilt from scratch every session and never initiates network calls.
// Typing entries expire on a local timer because the remote side gives no
// stop guarantee.
type Tracker struct {
	expiry   time.Duration
	onChange func()
	onExpire func()

	mu     sync.Mutex
	online map[string]struct{}
	typing map[typingKey]*time.Timer
}

func NewTracker(expiry time.Duration, onChange func()) *Tracker {
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	return &Tracker{
		expiry:   expiry,
		onChange: onChange,
		online:   make(map[string]struct{}),
		typing:   make(map[typingKey]*time.Timer),
	}
}

// OnExpire registers a hook fired whenever a typing entry is cleared by the
// timer rather than an explicit stop signal. Set before first use.
func (t *Tracker) OnExpire(fn func()) {
	t.onExpire = fn
}

// ApplyOnlineSnapshot replaces the online set wholesale. Used on connect and
// reconnect.
func (t *Tracker) ApplyOnlineSnapshot(snapshot map[string]bool) {
	t.mu.Lock()
	t.online = make(map[string]struct{}, len(snapshot))
	for id, on := range snapshot {
		if on {
			t.online[id] = struct{}{}
		}
	}
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) MarkOnline(userID string) {
	t.mu.Lock()
	_, had := t.online[userID]
	t.online[userID] = struct{}{}
	t.mu.Unlock()
	if !had {
		t.notify()
	}
}

func (t *Tracker) MarkOffline(userID string) {
	t.mu.Lock()
	_, had := t.online[userID]
	delete(t.online, userID)
	t.mu.Unlock()
	if had {
		t.notify()
	}
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[userID]
	return ok
}

func (t *Tracker) OnlineUserIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.online))
	for id := range t.online {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MarkTyping adds the user to the conversation's typing set and (re)arms the
// expiry timer for the pair.
func (t *Tracker) MarkTyping(conversationID, userID string) {
	key := typingKey{conversationID: conversationID, userID: userID}
	t.mu.Lock()
	if timer, ok := t.typing[key]; ok {
		timer.Reset(t.expiry)
		t.mu.Unlock()
		return
	}
	t.typing[key] = time.AfterFunc(t.expiry, func() {
		t.expire(key)
	})
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) MarkStoppedTyping(conversationID, userID string) {
	t.remove(typingKey{conversationID: conversationID, userID: userID})
}

func (t *Tracker) expire(key typingKey) {
	if t.remove(key) && t.onExpire != nil {
		t.onExpire()
	}
}

func (t *Tracker) remove(key typingKey) bool {
	t.mu.Lock()
	timer, ok := t.typing[key]
	if ok {
		timer.Stop()
		delete(t.typing, key)
	}
	t.mu.Unlock()
	if ok {
		t.notify()
	}
	return ok
}

func (t *Tracker) TypingUserIDs(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0)
	for key := range t.typing {
		if key.conversationID == conversationID {
			out = append(out, key.userID)
		}
	}
	sort.Strings(out)
	return out
}

// TypingByConversation returns every conversation with a non-empty typing
// set, user ids sorted.
func (t *Tracker) TypingByConversation() map[string][]string {
	t.mu.Lock()
	out := make(map[string][]string)
	for key := range t.typing {
		out[key.conversationID] = append(out[key.conversationID], key.userID)
	}
	t.mu.Unlock()
	for _, ids := range out {
		sort.Strings(ids)
	}
	return out
}

// Reset clears all state, stopping outstanding timers. Used on teardown.
func (t *Tracker) Reset() {
	t.mu.Lock()
	for key, timer := range t.typing {
		timer.Stop()
		delete(t.typing, key)
	}
	t.online = make(map[string]struct{})
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) notify() {
	if t.onChange != nil {
		t.onChange()
	}
}
