package cache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hireline/rtc-engine/pkg/models"
)

func sampleTimeline() []models.Message {
	return []models.Message{
		{
			ID:             "m1",
			ConversationID: "c1",
			Sender:         models.Identity{ID: "u1", DisplayName: "Ana"},
			Content:        "hello",
			CreatedAt:      time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC),
			Delivery:       models.DeliveryConfirmed,
		},
		{
			ID:             "m2",
			ConversationID: "c1",
			Sender:         models.Identity{ID: "u2", DisplayName: "Bo"},
			Content:        "hi there",
			CreatedAt:      time.Date(2026, 2, 1, 9, 1, 0, 0, time.UTC),
			Delivery:       models.DeliveryConfirmed,
		},
	}
}

func TestMemoryStoreMissAndRoundTrip(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	if _, ok, err := store.GetTimeline(ctx, "c1"); err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}

	want := sampleTimeline()
	if err := store.PutTimeline(ctx, "c1", want); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	got, ok, err := store.GetTimeline(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if len(got) != 2 || got[0].ID != "m1" || got[1].ID != "m2" {
		t.Fatalf("unexpected timeline: %+v", got)
	}

	// Mutating the returned slice must not leak into the store.
	got[0].Content = "tampered"
	again, _, _ := store.GetTimeline(ctx, "c1")
	if again[0].Content != "hello" {
		t.Fatal("stored timeline aliased by caller slice")
	}

	if err := store.DeleteTimeline(ctx, "c1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, ok, _ := store.GetTimeline(ctx, "c1"); ok {
		t.Fatal("timeline still present after delete")
	}
}

func TestFileStorePersistsEncryptedAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timelines.bin")
	ctx := context.Background()

	store, err := NewFileStore(path, "pass-phrase")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.PutTimeline(ctx, "c1", sampleTimeline()); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if !bytes.HasPrefix(raw, []byte("RTCENC1\n")) {
		t.Fatalf("snapshot not enveloped: %q", raw[:16])
	}
	if bytes.Contains(raw, []byte("hello")) {
		t.Fatal("plaintext content leaked into snapshot")
	}

	reopened, err := NewFileStore(path, "pass-phrase")
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	got, ok, err := reopened.GetTimeline(ctx, "c1")
	if err != nil || !ok {
		t.Fatalf("expected hit after reopen, got ok=%v err=%v", ok, err)
	}
	if len(got) != 2 || got[1].Content != "hi there" {
		t.Fatalf("unexpected timeline after reopen: %+v", got)
	}
}

func TestFileStoreWrongPassphraseStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timelines.bin")
	ctx := context.Background()

	store, err := NewFileStore(path, "right")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.PutTimeline(ctx, "c1", sampleTimeline()); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	reopened, err := NewFileStore(path, "wrong")
	if err != nil {
		t.Fatalf("reopen must not fail on bad passphrase: %v", err)
	}
	if _, ok, _ := reopened.GetTimeline(ctx, "c1"); ok {
		t.Fatal("timeline readable with wrong passphrase")
	}
}

func TestFileStoreCorruptSnapshotStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timelines.bin")
	if err := os.WriteFile(path, []byte("RTCENC1\nnot json at all"), 0o600); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	store, err := NewFileStore(path, "pass")
	if err != nil {
		t.Fatalf("open must tolerate corruption: %v", err)
	}
	if _, ok, _ := store.GetTimeline(context.Background(), "c1"); ok {
		t.Fatal("hit from corrupt snapshot")
	}
}

func TestFileStoreDeleteRemovesFromSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "timelines.bin")
	ctx := context.Background()

	store, err := NewFileStore(path, "pass")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.PutTimeline(ctx, "c1", sampleTimeline()); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := store.DeleteTimeline(ctx, "c1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	reopened, err := NewFileStore(path, "pass")
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	if _, ok, _ := reopened.GetTimeline(ctx, "c1"); ok {
		t.Fatal("deleted timeline survived reopen")
	}
}

func TestEnvelopeRejectsTamperedCiphertext(t *testing.T) {
	sealed, err := encrypt("pass", []byte(`{"timelines":{}}`))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	sealed[len(sealed)-2] ^= 0xff
	if _, err := decrypt("pass", sealed); err == nil {
		t.Fatal("tampered envelope decrypted")
	}
}
