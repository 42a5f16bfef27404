package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.krypton.dev/krypton/internal/protocol"
)

func TestPushComputesHashAndPreview(t *testing.T) {
	s := newMemStore(t)
	u := newTestUser(t, s, "alice")

	e, err := s.Push(u.ID, protocol.ContentText, []byte("hello world"), "", "laptop")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if e.ContentHash == "" || len(e.ContentHash) != 64 {
		t.Errorf("hash = %q, want 64 hex chars", e.ContentHash)
	}
	if e.ContentPreview != "hello world" {
		t.Errorf("preview = %q", e.ContentPreview)
	}
	if e.SourceDevice != "laptop" {
		t.Errorf("source = %q", e.SourceDevice)
	}
}

func TestPushRejectsInvalidInput(t *testing.T) {
	s := newMemStore(t)
	u := newTestUser(t, s, "alice")

	if _, err := s.Push(u.ID, "VIDEO", []byte("x"), "", ""); err == nil {
		t.Error("expected error for invalid content type")
	}
	if _, err := s.Push(u.ID, protocol.ContentText, nil, "", ""); err == nil {
		t.Error("expected error for empty content")
	}
}

func TestPushNoDedup(t *testing.T) {
	s := newMemStore(t)
	u := newTestUser(t, s, "alice")

	content := []byte("same bytes")
	for i := 0; i < 2; i++ {
		if _, err := s.Push(u.ID, protocol.ContentText, content, "", ""); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}
	n, err := s.EntryCount(u.ID)
	if err != nil {
		t.Fatalf("EntryCount: %v", err)
	}
	if n != 2 {
		t.Errorf("identical pushes must create separate rows, got %d", n)
	}
}

func TestPreviewTruncation(t *testing.T) {
	s := newMemStore(t)
	u := newTestUser(t, s, "alice")

	long := strings.Repeat("é", previewLimit*2)
	e, err := s.Push(u.ID, protocol.ContentText, []byte(long), "", "")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if got := len([]rune(e.ContentPreview)); got != previewLimit {
		t.Errorf("preview runes = %d, want %d", got, previewLimit)
	}
	if !strings.HasSuffix(e.ContentPreview, "…") {
		t.Error("truncated preview must end with ellipsis")
	}

	img, err := s.Push(u.ID, protocol.ContentImage, []byte{0x89, 0x50}, "", "")
	if err != nil {
		t.Fatalf("Push image: %v", err)
	}
	if img.ContentPreview != "[Image]" {
		t.Errorf("image preview = %q", img.ContentPreview)
	}
}

func TestHistoryOrderingAndPagination(t *testing.T) {
	s := newMemStore(t, WithClock(fakeClock(time.Unix(1_700_000_000, 0))))
	u := newTestUser(t, s, "alice")

	for i := 0; i < 5; i++ {
		if _, err := s.Push(u.ID, protocol.ContentText, []byte(fmt.Sprintf("entry %d", i)), "", ""); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}

	page, total, hasMore, err := s.History(u.ID, 2, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if !hasMore {
		t.Error("expected hasMore on first page")
	}
	if len(page) != 2 || page[0].ContentPreview != "entry 4" || page[1].ContentPreview != "entry 3" {
		t.Errorf("first page = %v", previews(page))
	}

	last, _, hasMore, err := s.History(u.ID, 2, 4)
	if err != nil {
		t.Fatalf("History offset 4: %v", err)
	}
	if hasMore {
		t.Error("expected no more after last page")
	}
	if len(last) != 1 || last[0].ContentPreview != "entry 0" {
		t.Errorf("last page = %v", previews(last))
	}
}

func TestHistoryIsolatedPerUser(t *testing.T) {
	s := newMemStore(t)
	alice := newTestUser(t, s, "alice")
	bob := newTestUser(t, s, "bob")

	if _, err := s.Push(alice.ID, protocol.ContentText, []byte("secret"), "", ""); err != nil {
		t.Fatalf("Push: %v", err)
	}

	entries, total, _, err := s.History(bob.ID, 10, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if total != 0 || len(entries) != 0 {
		t.Errorf("bob sees %d entries of alice's history", total)
	}
}

func TestSearchCaseInsensitiveWithEscapes(t *testing.T) {
	s := newMemStore(t)
	u := newTestUser(t, s, "alice")

	for _, text := range []string{"Hello World", "goodbye", "100% hello"} {
		if _, err := s.Push(u.ID, protocol.ContentText, []byte(text), "", ""); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	entries, total, err := s.Search(u.ID, "HELLO", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if total != 2 || len(entries) != 2 {
		t.Errorf("HELLO: total=%d len=%d, want 2/2", total, len(entries))
	}

	// LIKE metacharacters in the query must match literally.
	entries, total, err = s.Search(u.ID, "100%", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if total != 1 || len(entries) != 1 {
		t.Errorf("100%%: total=%d len=%d, want 1/1", total, len(entries))
	}
}

func TestSearchTotalIndependentOfLimit(t *testing.T) {
	s := newMemStore(t)
	u := newTestUser(t, s, "alice")

	for i := 0; i < 4; i++ {
		if _, err := s.Push(u.ID, protocol.ContentText, []byte(fmt.Sprintf("match %d", i)), "", ""); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	entries, total, err := s.Search(u.ID, "match", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("len = %d, want 2", len(entries))
	}
	if total != 4 {
		t.Errorf("total = %d, want 4", total)
	}
}

func TestMoveToTop(t *testing.T) {
	s := newMemStore(t, WithClock(fakeClock(time.Unix(1_700_000_000, 0))))
	u := newTestUser(t, s, "alice")

	first, err := s.Push(u.ID, protocol.ContentText, []byte("old"), "", "")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if _, err := s.Push(u.ID, protocol.ContentText, []byte("new"), "", ""); err != nil {
		t.Fatalf("Push: %v", err)
	}

	if err := s.MoveToTop(u.ID, first.ID); err != nil {
		t.Fatalf("MoveToTop: %v", err)
	}

	entries, _, _, err := s.History(u.ID, 1, 0)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != first.ID {
		t.Errorf("top entry = %v, want the bumped one", previews(entries))
	}
}

func TestMoveToTopWrongUser(t *testing.T) {
	s := newMemStore(t)
	alice := newTestUser(t, s, "alice")
	bob := newTestUser(t, s, "bob")

	e, err := s.Push(alice.ID, protocol.ContentText, []byte("x"), "", "")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	if err := s.MoveToTop(bob.ID, e.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for foreign entry, got %v", err)
	}
}

func TestDeleteEntry(t *testing.T) {
	s := newMemStore(t)
	u := newTestUser(t, s, "alice")

	e, err := s.Push(u.ID, protocol.ContentText, []byte("x"), "", "")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := s.Delete(u.ID, e.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(u.ID, e.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
}

// --- retention ---

func TestCleanupOlderThan(t *testing.T) {
	base := time.Now().Add(-40 * 24 * time.Hour)
	clock := fakeClock(base)
	s := newMemStore(t, WithClock(clock))
	u := newTestUser(t, s, "alice")

	// Two entries 40 days back.
	for i := 0; i < 2; i++ {
		if _, err := s.Push(u.ID, protocol.ContentText, []byte(fmt.Sprintf("old %d", i)), "", ""); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}
	// One fresh entry.
	s.now = time.Now
	if _, err := s.Push(u.ID, protocol.ContentText, []byte("fresh"), "", ""); err != nil {
		t.Fatalf("Push: %v", err)
	}

	count, err := s.CountOlderThan(30, "")
	if err != nil {
		t.Fatalf("CountOlderThan: %v", err)
	}
	if count != 2 {
		t.Errorf("dry-run count = %d, want 2", count)
	}

	n, err := s.CleanupOlderThan(30, "")
	if err != nil {
		t.Fatalf("CleanupOlderThan: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}

	left, err := s.EntryCount(u.ID)
	if err != nil {
		t.Fatalf("EntryCount: %v", err)
	}
	if left != 1 {
		t.Errorf("remaining = %d, want 1", left)
	}
}

func TestCleanupByContentType(t *testing.T) {
	base := time.Now().Add(-10 * 24 * time.Hour)
	s := newMemStore(t, WithClock(fakeClock(base)))
	u := newTestUser(t, s, "alice")

	if _, err := s.Push(u.ID, protocol.ContentText, []byte("text"), "", ""); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if _, err := s.Push(u.ID, protocol.ContentImage, []byte{1, 2, 3}, "", ""); err != nil {
		t.Fatalf("Push: %v", err)
	}

	n, err := s.CleanupOlderThan(7, protocol.ContentImage)
	if err != nil {
		t.Fatalf("CleanupOlderThan: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want only the image", n)
	}

	left, err := s.EntryCount(u.ID)
	if err != nil {
		t.Fatalf("EntryCount: %v", err)
	}
	if left != 1 {
		t.Errorf("remaining = %d, want the text entry", left)
	}
}

// --- external image blobs ---

func TestImageBlobLifecycle(t *testing.T) {
	root := t.TempDir()
	s := newMemStore(t, WithImagesRoot(root))
	u := newTestUser(t, s, "alice")

	img := []byte{0x89, 0x50, 0x4e, 0x47, 1, 2, 3, 4}
	e, err := s.Push(u.ID, protocol.ContentImage, img, "", "phone")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if e.ExternalPath == "" {
		t.Fatal("expected external path for image entry")
	}
	if len(e.Content) != 0 {
		t.Error("image bytes must not be stored inline")
	}
	wantDir := filepath.Join(root, "images", u.ID)
	if filepath.Dir(e.ExternalPath) != wantDir {
		t.Errorf("blob dir = %s, want %s", filepath.Dir(e.ExternalPath), wantDir)
	}
	if filepath.Ext(e.ExternalPath) != ".png" {
		t.Errorf("blob ext = %s, want .png", filepath.Ext(e.ExternalPath))
	}

	// ContentOf hydrates the bytes back.
	got, err := s.ContentOf(e)
	if err != nil {
		t.Fatalf("ContentOf: %v", err)
	}
	if !bytes.Equal(got, img) {
		t.Errorf("hydrated %v, want %v", got, img)
	}

	// Delete removes the blob from disk.
	if err := s.Delete(u.ID, e.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(e.ExternalPath); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("blob still on disk: %v", err)
	}
}

func TestTextStaysInlineWithImagesEnabled(t *testing.T) {
	s := newMemStore(t, WithImagesRoot(t.TempDir()))
	u := newTestUser(t, s, "alice")

	e, err := s.Push(u.ID, protocol.ContentText, []byte("inline"), "", "")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if e.ExternalPath != "" {
		t.Error("text entries must not go to disk")
	}
	if string(e.Content) != "inline" {
		t.Errorf("content = %q", e.Content)
	}
}

func TestSweepOrphanBlobs(t *testing.T) {
	root := t.TempDir()
	s := newMemStore(t, WithImagesRoot(root))
	u := newTestUser(t, s, "alice")

	e, err := s.Push(u.ID, protocol.ContentImage, []byte{1, 2, 3}, "", "")
	if err != nil {
		t.Fatalf("Push: %v", err)
	}

	// Drop an unreferenced file beside the live blob.
	orphan := filepath.Join(filepath.Dir(e.ExternalPath), "11111111-2222-3333-4444-555555555555.png")
	if err := os.WriteFile(orphan, []byte{9}, 0o644); err != nil {
		t.Fatalf("write orphan: %v", err)
	}

	n, err := s.SweepOrphanBlobs()
	if err != nil {
		t.Fatalf("SweepOrphanBlobs: %v", err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	if _, err := os.Stat(orphan); !errors.Is(err, os.ErrNotExist) {
		t.Error("orphan survived the sweep")
	}
	if _, err := os.Stat(e.ExternalPath); err != nil {
		t.Errorf("live blob was removed: %v", err)
	}
}

func previews(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ContentPreview
	}
	return out
}
