package sift

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return newTestStoreWithOptions(t, StoreOptions{})
}

func newTestStoreWithOptions(t *testing.T, opts StoreOptions) *Store {
	t.Helper()
	counter := 0
	if opts.NewItemID == nil {
		opts.NewItemID = func() string {
			counter++
			return fmt.Sprintf("item-%04d", counter)
		}
	}
	if opts.Clock == nil {
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		tick := 0
		opts.Clock = func() time.Time {
			tick++
			return base.Add(time.Duration(tick) * time.Second)
		}
	}
	store := NewStoreWithOptions(opts)
	t.Cleanup(store.Close)
	return store
}

func capture(t *testing.T, store *Store, name string) ItemRecord {
	t.Helper()
	record, err := store.CreateItem(CreateRequest{
		Source:  "test",
		Payload: Payload{TypeTag: TypeAction, SchemaVersion: SchemaVersion, Name: name},
	})
	if err != nil {
		t.Fatalf("create %q failed: %v", name, err)
	}
	return record
}

func captureProject(t *testing.T, store *Store, name string) ItemRecord {
	t.Helper()
	record, err := store.CreateItem(CreateRequest{
		Source: "test",
		Payload: Payload{
			TypeTag:       TypeProject,
			SchemaVersion: SchemaVersion,
			Name:          name,
			AdditionalProperty: []Property{
				prop(PropBucket, `"project"`),
			},
		},
	})
	if err != nil {
		t.Fatalf("create project %q failed: %v", name, err)
	}
	return record
}

func TestCreateItemDefaultsToInboxAndSeedsProvenance(t *testing.T) {
	store := newTestStore(t)
	record := capture(t, store, "buy stamps")

	bucket, ok := BucketOf(record.Payload)
	if !ok || bucket != BucketInbox {
		t.Fatalf("expected inbox default, got %q (ok=%t)", bucket, ok)
	}
	if record.CanonicalID != "urn:app:inbox:item-0001" {
		t.Fatalf("unexpected canonical id %q", record.CanonicalID)
	}
	if record.Payload.ID != record.CanonicalID {
		t.Fatalf("payload id should mirror canonical id")
	}
	entries := ProvenanceOf(record.Payload)
	if len(entries) != 1 || entries[0].Action != "created" {
		t.Fatalf("expected seeded provenance, got %v", entries)
	}
	if record.CreatedAt == "" || record.UpdatedAt != record.CreatedAt {
		t.Fatalf("expected matching envelope timestamps, got %q / %q", record.CreatedAt, record.UpdatedAt)
	}
}

func TestCreateItemHonorsProposedCanonicalID(t *testing.T) {
	store := newTestStore(t)
	record, err := store.CreateItem(CreateRequest{
		Payload: Payload{
			ID:            "urn:app:project:website",
			TypeTag:       TypeProject,
			SchemaVersion: SchemaVersion,
			Name:          "website relaunch",
			AdditionalProperty: []Property{
				prop(PropBucket, `"project"`),
			},
		},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if record.CanonicalID != "urn:app:project:website" {
		t.Fatalf("proposed id not honored: %q", record.CanonicalID)
	}

	_, err = store.CreateItem(CreateRequest{
		Payload: Payload{
			ID:            "urn:app:project:website",
			TypeTag:       TypeProject,
			SchemaVersion: SchemaVersion,
			Name:          "duplicate",
		},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for duplicate id, got %v", err)
	}

	_, err = store.CreateItem(CreateRequest{
		Payload: Payload{
			ID:            "urn:app:widget:x",
			TypeTag:       TypeAction,
			SchemaVersion: SchemaVersion,
			Name:          "bad kind",
		},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for malformed id, got %v", err)
	}
}

func TestCreateItemRejectsUnknownProjectRef(t *testing.T) {
	store := newTestStore(t)
	_, err := store.CreateItem(CreateRequest{
		Payload: Payload{
			TypeTag:       TypeAction,
			SchemaVersion: SchemaVersion,
			Name:          "orphaned",
			AdditionalProperty: []Property{
				prop(PropProjectRefs, `["urn:app:project:missing"]`),
			},
		},
	})
	if !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
}

func TestGetItemResolvesBothIdentifiers(t *testing.T) {
	store := newTestStore(t)
	record := capture(t, store, "water plants")

	byCanonical, err := store.GetItem(record.CanonicalID)
	if err != nil {
		t.Fatalf("lookup by canonical id failed: %v", err)
	}
	byItemID, err := store.GetItem(record.ItemID)
	if err != nil {
		t.Fatalf("lookup by item id failed: %v", err)
	}
	if byCanonical.CanonicalID != byItemID.CanonicalID {
		t.Fatalf("identifier resolution diverged")
	}
	if _, err := store.GetItem("urn:app:inbox:nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPatchItemMergesBagAndBumpsTimestamps(t *testing.T) {
	store := newTestStore(t)
	record := capture(t, store, "draft report")

	patched, err := store.PatchItem(record.CanonicalID, ItemPatch{
		AdditionalProp: []Property{
			prop(PropIsFocused, `true`),
			prop(PropContexts, `["office"]`),
		},
	})
	if err != nil {
		t.Fatalf("patch failed: %v", err)
	}
	if !Focused(patched.Payload) {
		t.Fatalf("expected focus flag set")
	}
	bucket, _ := BucketOf(patched.Payload)
	if bucket != BucketInbox {
		t.Fatalf("unrelated bucket entry changed: %q", bucket)
	}
	if patched.UpdatedAt == record.UpdatedAt {
		t.Fatalf("expected updatedAt to advance")
	}
	if patched.Payload.DateModified == record.Payload.DateModified {
		t.Fatalf("expected dateModified to advance")
	}
	if patched.CanonicalID != record.CanonicalID || patched.ItemID != record.ItemID {
		t.Fatalf("identity changed under patch")
	}
}

func TestPatchItemCoreFieldOverwrite(t *testing.T) {
	store := newTestStore(t)
	record := capture(t, store, "old name")

	name := "new name"
	endTime := "2026-03-02T09:00:00Z"
	patched, err := store.PatchItem(record.CanonicalID, ItemPatch{Name: &name, EndTime: &endTime})
	if err != nil {
		t.Fatalf("patch failed: %v", err)
	}
	if patched.Payload.Name != "new name" || patched.Payload.EndTime != endTime {
		t.Fatalf("core fields not applied: %+v", patched.Payload)
	}
	if !Completed(patched.Payload) {
		t.Fatalf("action with endTime should count as completed")
	}
}

func TestPatchItemRejectsProvenanceTruncationWithoutSideEffects(t *testing.T) {
	store := newTestStore(t)
	record := capture(t, store, "audited")

	_, err := store.PatchItem(record.CanonicalID, ItemPatch{
		AdditionalProp: []Property{prop(PropProvenanceHistory, `[]`)},
	})
	if !errors.Is(err, ErrInvalidPatch) {
		t.Fatalf("expected ErrInvalidPatch, got %v", err)
	}
	current, err := store.GetItem(record.CanonicalID)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(ProvenanceOf(current.Payload)) != 1 {
		t.Fatalf("rejected patch mutated the record")
	}
	if current.UpdatedAt != record.UpdatedAt {
		t.Fatalf("rejected patch bumped updatedAt")
	}
}

func TestPatchItemRejectsInvalidBucketValue(t *testing.T) {
	store := newTestStore(t)
	record := capture(t, store, "misfiled")

	_, err := store.PatchItem(record.CanonicalID, ItemPatch{
		AdditionalProp: []Property{prop(PropBucket, `"backlog"`)},
	})
	if !errors.Is(err, ErrInvalidPatch) {
		t.Fatalf("expected ErrInvalidPatch, got %v", err)
	}
}

func TestArchiveIsIdempotentAndUnarchiveRestores(t *testing.T) {
	store := newTestStore(t)
	record := capture(t, store, "shelved")

	first, err := store.Archive(record.CanonicalID)
	if err != nil || !first.OK {
		t.Fatalf("archive failed: %v", err)
	}
	second, err := store.Archive(record.CanonicalID)
	if err != nil {
		t.Fatalf("second archive failed: %v", err)
	}
	if second.ArchivedAt != first.ArchivedAt {
		t.Fatalf("idempotent archive changed timestamp: %q vs %q", second.ArchivedAt, first.ArchivedAt)
	}

	page, err := store.Sync("", false, 0)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(page.Items) != 0 {
		t.Fatalf("archived record leaked into sync: %v", page.Items)
	}

	restored, err := store.Unarchive(record.CanonicalID)
	if err != nil {
		t.Fatalf("unarchive failed: %v", err)
	}
	if restored.Archived() {
		t.Fatalf("record still archived after unarchive")
	}
	page, err = store.Sync("", false, 0)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("restored record missing from sync")
	}
}

func TestSyncPaginatesInCreationOrder(t *testing.T) {
	store := newTestStore(t)
	var created []ItemRecord
	for i := 0; i < 5; i++ {
		created = append(created, capture(t, store, fmt.Sprintf("task %d", i)))
	}

	first, err := store.Sync("", false, 2)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(first.Items) != 2 || !first.HasMore || first.NextCursor == nil {
		t.Fatalf("unexpected first page: %+v", first)
	}
	if first.Items[0].CanonicalID != created[0].CanonicalID {
		t.Fatalf("expected creation order, got %q first", first.Items[0].CanonicalID)
	}
	if first.ServerTime == "" {
		t.Fatalf("expected serverTime on page")
	}

	var all []ItemRecord
	all = append(all, first.Items...)
	cursor := *first.NextCursor
	for {
		page, err := store.Sync(cursor, false, 2)
		if err != nil {
			t.Fatalf("sync page failed: %v", err)
		}
		all = append(all, page.Items...)
		if !page.HasMore {
			break
		}
		cursor = *page.NextCursor
	}
	if len(all) != len(created) {
		t.Fatalf("pagination lost records: got %d, want %d", len(all), len(created))
	}
	seen := map[string]bool{}
	for _, record := range all {
		if seen[record.CanonicalID] {
			t.Fatalf("pagination duplicated %q", record.CanonicalID)
		}
		seen[record.CanonicalID] = true
	}
}

func TestSyncRejectsUnknownCursor(t *testing.T) {
	store := newTestStore(t)
	capture(t, store, "only")
	_, err := store.Sync("urn:app:inbox:ghost", false, 0)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSyncPartitionsCompletedActions(t *testing.T) {
	store := newTestStore(t)
	open := capture(t, store, "open task")
	done := capture(t, store, "done task")
	endTime := "2026-03-01T18:00:00Z"
	if _, err := store.PatchItem(done.CanonicalID, ItemPatch{EndTime: &endTime}); err != nil {
		t.Fatalf("patch failed: %v", err)
	}

	page, err := store.Sync("", false, 0)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].CanonicalID != open.CanonicalID {
		t.Fatalf("default sync should exclude completed actions: %+v", page.Items)
	}

	page, err = store.Sync("", true, 0)
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if len(page.Items) != 2 {
		t.Fatalf("includeCompleted sync should return both records, got %d", len(page.Items))
	}
}

func TestGetEventsPagesThroughFeed(t *testing.T) {
	store := newTestStore(t)
	record := capture(t, store, "tracked")
	if _, err := store.PatchItem(record.CanonicalID, ItemPatch{
		AdditionalProp: []Property{prop(PropIsFocused, `true`)},
	}); err != nil {
		t.Fatalf("patch failed: %v", err)
	}
	if _, err := store.Archive(record.CanonicalID); err != nil {
		t.Fatalf("archive failed: %v", err)
	}

	feed, err := store.GetEvents("", 2)
	if err != nil {
		t.Fatalf("events failed: %v", err)
	}
	if len(feed.Events) != 2 || feed.NextCursor == nil {
		t.Fatalf("unexpected first event page: %+v", feed)
	}
	if feed.Events[0].Type != "item.created" || feed.Events[1].Type != "item.patched" {
		t.Fatalf("unexpected event order: %v", feed.Events)
	}
	rest, err := store.GetEvents(*feed.NextCursor, 10)
	if err != nil {
		t.Fatalf("events failed: %v", err)
	}
	if len(rest.Events) != 1 || rest.Events[0].Type != "item.archived" {
		t.Fatalf("unexpected tail page: %+v", rest)
	}
	if rest.NextCursor != nil {
		t.Fatalf("expected exhausted feed")
	}
}

func TestGetEventsRejectsUnknownCursor(t *testing.T) {
	store := newTestStore(t)
	capture(t, store, "tracked")
	if _, err := store.GetEvents("evt-999", 10); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	// Same contract on an empty feed.
	empty := newTestStore(t)
	if _, err := empty.GetEvents("evt-1", 10); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput on empty feed, got %v", err)
	}
}

func TestSubscribeDeliversChangeEvents(t *testing.T) {
	store := newTestStore(t)
	events, cancel := store.Subscribe()
	defer cancel()

	record := capture(t, store, "observed")

	select {
	case event := <-events:
		if event.Type != "item.created" || event.CanonicalID != record.CanonicalID {
			t.Fatalf("unexpected event: %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for change event")
	}
}

func TestStoreRoundTripsThroughFileBackend(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "state.json")
	store := newTestStoreWithOptions(t, StoreOptions{StateFile: stateFile})
	record := capture(t, store, "durable")
	if _, err := store.Triage(record.CanonicalID, BucketNext, TriageExtra{}); err != nil {
		t.Fatalf("triage failed: %v", err)
	}

	reopened := newTestStoreWithOptions(t, StoreOptions{StateFile: stateFile})
	restored, err := reopened.GetItem(record.CanonicalID)
	if err != nil {
		t.Fatalf("restored lookup failed: %v", err)
	}
	bucket, _ := BucketOf(restored.Payload)
	if bucket != BucketNext {
		t.Fatalf("bucket lost across restart: %q", bucket)
	}
	feed, err := reopened.GetEvents("", 10)
	if err != nil {
		t.Fatalf("events failed: %v", err)
	}
	if len(feed.Events) != 2 {
		t.Fatalf("event feed lost across restart: %d events", len(feed.Events))
	}
}

func TestGetBackendStatus(t *testing.T) {
	store := newTestStore(t)
	capture(t, store, "counted")
	status := store.GetBackendStatus()
	if status.StateBackend != "none" {
		t.Fatalf("unexpected backend description %q", status.StateBackend)
	}
	if status.ItemCount != 1 || status.EventCount != 1 {
		t.Fatalf("unexpected counts: %+v", status)
	}
}
