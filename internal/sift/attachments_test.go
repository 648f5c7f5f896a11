package sift

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestAttachmentStore(t *testing.T) (*AttachmentStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewAttachmentStore(dir)
	if err != nil {
		t.Fatalf("attachment store failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, dir
}

func waitForAttachment(t *testing.T, store *AttachmentStore, fileID string, want bool) Attachment {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		attachment, ok := store.Resolve(fileID)
		if ok == want {
			return attachment
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("attachment %q presence never became %t", fileID, want)
	return Attachment{}
}

func TestAttachmentStoreIndexesExistingBlobs(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "blob-1"), []byte("pdf bytes"), 0o644); err != nil {
		t.Fatalf("seed blob failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".hidden"), []byte("skip"), 0o644); err != nil {
		t.Fatalf("seed hidden failed: %v", err)
	}
	store, err := NewAttachmentStore(dir)
	if err != nil {
		t.Fatalf("attachment store failed: %v", err)
	}
	defer store.Close()

	attachment, ok := store.Resolve("blob-1")
	if !ok {
		t.Fatalf("pre-existing blob not indexed")
	}
	if attachment.Size != int64(len("pdf bytes")) {
		t.Fatalf("unexpected size %d", attachment.Size)
	}
	if _, ok := store.Resolve(".hidden"); ok {
		t.Fatalf("dotfiles must not be indexed")
	}
}

func TestAttachmentStorePicksUpNewAndRemovedBlobs(t *testing.T) {
	store, dir := newTestAttachmentStore(t)

	path := filepath.Join(dir, "blob-2")
	if err := os.WriteFile(path, []byte("late upload"), 0o644); err != nil {
		t.Fatalf("write blob failed: %v", err)
	}
	waitForAttachment(t, store, "blob-2", true)

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove blob failed: %v", err)
	}
	waitForAttachment(t, store, "blob-2", false)
}

func TestAttachmentStoreOpen(t *testing.T) {
	store, dir := newTestAttachmentStore(t)
	if err := os.WriteFile(filepath.Join(dir, "blob-3"), []byte("contents"), 0o644); err != nil {
		t.Fatalf("write blob failed: %v", err)
	}
	waitForAttachment(t, store, "blob-3", true)

	file, err := store.Open("blob-3")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	_ = file.Close()

	if _, err := store.Open("blob-missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateItemResolvesFileIDToDownloadURL(t *testing.T) {
	attachments, dir := newTestAttachmentStore(t)
	if err := os.WriteFile(filepath.Join(dir, "blob-9"), []byte("doc"), 0o644); err != nil {
		t.Fatalf("write blob failed: %v", err)
	}
	store := newTestStoreWithOptions(t, StoreOptions{Attachments: attachments})

	record, err := store.CreateItem(CreateRequest{
		Payload: Payload{
			TypeTag:       TypeDigitalDocument,
			SchemaVersion: SchemaVersion,
			Name:          "scan.pdf",
			AdditionalProperty: []Property{
				prop(PropFileID, `"blob-9"`),
			},
		},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if got := bagString(record.Payload, PropDownloadURL); got != "/v1/attachments/blob-9" {
		t.Fatalf("download url not filled in: %q", got)
	}
}

func TestCreateItemKeepsCallerDownloadURL(t *testing.T) {
	attachments, _ := newTestAttachmentStore(t)
	store := newTestStoreWithOptions(t, StoreOptions{Attachments: attachments})

	record, err := store.CreateItem(CreateRequest{
		Payload: Payload{
			TypeTag:       TypeDigitalDocument,
			SchemaVersion: SchemaVersion,
			Name:          "external.pdf",
			AdditionalProperty: []Property{
				prop(PropFileID, `"blob-x"`),
				prop(PropDownloadURL, `"https://cdn.example.com/blob-x"`),
			},
		},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if got := bagString(record.Payload, PropDownloadURL); got != "https://cdn.example.com/blob-x" {
		t.Fatalf("caller-provided url was overwritten: %q", got)
	}
}
