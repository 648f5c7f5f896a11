package sift

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type StoreOptions struct {
	StateFile    string
	StateBackend StateBackend
	Attachments  *AttachmentStore
	Clock        func() time.Time
	NewItemID    func() string
}

// Store is the canonical record store. All operations are single units of
// work under one lock, so concurrent triage transitions on the same record
// serialize and a bucket patch plus split create commit atomically.
type Store struct {
	mu           sync.RWMutex
	items        map[string]ItemRecord
	order        []string
	itemIndex    map[string]string
	events       []ChangeEvent
	eventCounter uint64
	stateBackend StateBackend
	attachments  *AttachmentStore
	now          func() time.Time
	newItemID    func() string

	subMu   sync.Mutex
	subs    map[int]chan ChangeEvent
	nextSub int
}

type persistedState struct {
	EventCounter uint64                `json:"eventCounter"`
	Items        map[string]ItemRecord `json:"items"`
	Order        []string              `json:"order"`
	ItemIndex    map[string]string     `json:"itemIndex"`
	Events       []ChangeEvent         `json:"events"`
}

type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

type ChangeEvent struct {
	EventID     string `json:"eventId"`
	Type        string `json:"type"`
	ItemID      string `json:"itemId"`
	CanonicalID string `json:"canonicalId"`
	Bucket      Bucket `json:"bucket,omitempty"`
	Timestamp   string `json:"timestamp"`
}

type EventFeed struct {
	Events     []ChangeEvent `json:"events"`
	NextCursor *string       `json:"nextCursor"`
}

type CreateRequest struct {
	Source  string  `json:"source"`
	Payload Payload `json:"item"`
}

// ItemPatch is a partial payload update. Nil pointers leave the core field
// untouched; AdditionalProperty is merged per MergeBag, never replaced whole.
type ItemPatch struct {
	Name           *string    `json:"name,omitempty"`
	Description    *string    `json:"description,omitempty"`
	Keywords       *[]string  `json:"keywords,omitempty"`
	StartTime      *string    `json:"startTime,omitempty"`
	EndTime        *string    `json:"endTime,omitempty"`
	ObjectRef      *string    `json:"objectRef,omitempty"`
	StartDate      *string    `json:"startDate,omitempty"`
	EndDate        *string    `json:"endDate,omitempty"`
	Duration       *string    `json:"duration,omitempty"`
	Location       *string    `json:"location,omitempty"`
	Sender         *Sender    `json:"sender,omitempty"`
	EncodingFormat *string    `json:"encodingFormat,omitempty"`
	AdditionalProp []Property `json:"additionalProperty,omitempty"`
}

type SyncResponse struct {
	Items      []ItemRecord `json:"items"`
	NextCursor *string      `json:"nextCursor"`
	HasMore    bool         `json:"hasMore"`
	ServerTime string       `json:"serverTime"`
}

type ArchiveResult struct {
	ItemID     string `json:"itemId"`
	ArchivedAt string `json:"archivedAt"`
	OK         bool   `json:"ok"`
}

type BackendStatus struct {
	StateBackend string `json:"stateBackend"`
	ItemCount    int    `json:"itemCount"`
	EventCount   int    `json:"eventCount"`
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	stateBackend := opts.StateBackend
	if stateBackend == nil && strings.TrimSpace(opts.StateFile) != "" {
		stateBackend = NewJSONFileStateBackend(opts.StateFile)
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	newItemID := opts.NewItemID
	if newItemID == nil {
		newItemID = uuid.NewString
	}
	s := &Store{
		items:        map[string]ItemRecord{},
		itemIndex:    map[string]string{},
		stateBackend: stateBackend,
		attachments:  opts.Attachments,
		now:          now,
		newItemID:    newItemID,
		subs:         map[int]chan ChangeEvent{},
	}
	_ = s.loadFromDisk()
	return s
}

func (s *Store) Close() {
	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()
	if closer, ok := s.stateBackend.(stateBackendCloser); ok {
		_ = closer.Close()
	}
}

// CreateItem validates the payload, assigns identity, defaults the bucket to
// inbox, and seeds the audit log. The client may propose a canonical ID; the
// server re-derives one from the creation-time bucket when it is absent.
func (s *Store) CreateItem(req CreateRequest) (ItemRecord, error) {
	payload := req.Payload
	if err := validatePayload(payload); err != nil {
		return ItemRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nowStr := s.timestamp()
	bucket, hasBucket := BucketOf(payload)
	if !hasBucket {
		bucket = BucketInbox
		payload.AdditionalProperty = append(payload.AdditionalProperty, Property{
			PropertyID: PropBucket,
			Value:      mustJSON(string(bucket)),
		})
	}
	if err := s.checkReferencesLocked(payload, ""); err != nil {
		return ItemRecord{}, err
	}

	itemID := s.newItemID()
	canonicalID := strings.TrimSpace(payload.ID)
	if canonicalID == "" {
		canonicalID = DeriveCanonicalID(bucket, itemID)
	} else {
		if !ValidCanonicalID(canonicalID) {
			return ItemRecord{}, &ValidationError{Field: "id", Reason: fmt.Sprintf("malformed canonical id %q", canonicalID)}
		}
		if _, exists := s.items[canonicalID]; exists {
			return ItemRecord{}, &ValidationError{Field: "id", Reason: fmt.Sprintf("canonical id %q already in use", canonicalID)}
		}
	}
	payload.ID = canonicalID
	if payload.DateCreated == "" {
		payload.DateCreated = nowStr
	}
	payload.DateModified = nowStr
	if _, ok := BagValue(payload, PropProvenanceHistory); !ok {
		payload.AdditionalProperty = append(payload.AdditionalProperty, Property{
			PropertyID: PropProvenanceHistory,
			Value:      mustJSON([]ProvenanceEntry{{Timestamp: nowStr, Action: "created"}}),
		})
	}
	if fileID := bagString(payload, PropFileID); fileID != "" && s.attachments != nil {
		if _, ok := BagValue(payload, PropDownloadURL); !ok {
			patched, err := MergeBag(payload.AdditionalProperty, []Property{{
				PropertyID: PropDownloadURL,
				Value:      mustJSON(s.attachments.DownloadURL(fileID)),
			}})
			if err == nil {
				payload.AdditionalProperty = patched
			}
		}
	}

	record := ItemRecord{
		ItemID:      itemID,
		CanonicalID: canonicalID,
		Source:      strings.TrimSpace(req.Source),
		CreatedAt:   nowStr,
		UpdatedAt:   nowStr,
		Payload:     payload,
	}
	s.items[canonicalID] = record
	s.order = append(s.order, canonicalID)
	s.itemIndex[itemID] = canonicalID
	event := s.recordEventLocked("item.created", record)
	_ = s.saveLocked()
	s.notify(event)
	return record, nil
}

// GetItem resolves a record by canonical ID or storage-local item ID.
func (s *Store) GetItem(ref string) (ItemRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.resolveLocked(ref)
	if !ok {
		return ItemRecord{}, ErrNotFound
	}
	return record, nil
}

// PatchItem applies a partial payload update. Validation precedes any write:
// a rejected patch leaves the record untouched. Core fields overwrite; the
// bag merges per MergeBag; canonical identity never changes.
func (s *Store) PatchItem(canonicalID string, patch ItemPatch) (ItemRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.resolveLocked(canonicalID)
	if !ok {
		return ItemRecord{}, ErrNotFound
	}
	if err := checkProvenanceExtends(record.Payload, patch.AdditionalProp); err != nil {
		return ItemRecord{}, err
	}
	mergedBag, err := MergeBag(record.Payload.AdditionalProperty, patch.AdditionalProp)
	if err != nil {
		return ItemRecord{}, err
	}

	next := record.Payload
	next.AdditionalProperty = mergedBag
	applyCoreFields(&next, patch)

	bucket, ok := BucketOf(next)
	if !ok || !ValidBucket(bucket) {
		return ItemRecord{}, fmt.Errorf("%w: bucket %q", ErrInvalidPatch, bucket)
	}
	if prev, _ := BucketOf(record.Payload); prev == BucketReference && bucket != BucketReference && s.isReadActionTargetLocked(record.CanonicalID) {
		return ItemRecord{}, fmt.Errorf("%w: %s backs a ReadAction and must stay in reference", ErrInvalidState, record.CanonicalID)
	}
	if err := s.checkReferencesLocked(next, record.CanonicalID); err != nil {
		return ItemRecord{}, err
	}

	nowStr := s.timestamp()
	next.DateModified = nowStr
	record.Payload = next
	record.UpdatedAt = nowStr
	s.items[record.CanonicalID] = record
	event := s.recordEventLocked("item.patched", record)
	_ = s.saveLocked()
	s.notify(event)
	return record, nil
}

// Archive removes a record from default sync visibility without deleting its
// history. It is a dedicated operation, not a bucket transition.
func (s *Store) Archive(canonicalID string) (ArchiveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.resolveLocked(canonicalID)
	if !ok {
		return ArchiveResult{}, ErrNotFound
	}
	if record.Archived() {
		return ArchiveResult{ItemID: record.ItemID, ArchivedAt: record.ArchivedAt, OK: true}, nil
	}
	nowStr := s.timestamp()
	record.ArchivedAt = nowStr
	record.UpdatedAt = nowStr
	s.items[record.CanonicalID] = record
	event := s.recordEventLocked("item.archived", record)
	_ = s.saveLocked()
	s.notify(event)
	return ArchiveResult{ItemID: record.ItemID, ArchivedAt: nowStr, OK: true}, nil
}

func (s *Store) Unarchive(canonicalID string) (ItemRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.resolveLocked(canonicalID)
	if !ok {
		return ItemRecord{}, ErrNotFound
	}
	if !record.Archived() {
		return record, nil
	}
	record.ArchivedAt = ""
	record.UpdatedAt = s.timestamp()
	s.items[record.CanonicalID] = record
	event := s.recordEventLocked("item.unarchived", record)
	_ = s.saveLocked()
	s.notify(event)
	return record, nil
}

// Sync returns one cursor page of the incremental fetch. Response order is
// creation order but unspecified as a contract; clients sort per view.
// Archived records never appear; completed action records appear only with
// includeCompleted.
func (s *Store) Sync(cursor string, includeCompleted bool, limit int) (SyncResponse, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	start := 0
	if strings.TrimSpace(cursor) != "" {
		found := false
		for i, id := range s.order {
			if id == cursor {
				start = i + 1
				found = true
				break
			}
		}
		if !found {
			return SyncResponse{}, fmt.Errorf("%w: unknown cursor", ErrInvalidInput)
		}
	}

	serverTime := s.timestamp()
	items := make([]ItemRecord, 0, limit)
	var nextCursor *string
	hasMore := false
	for i := start; i < len(s.order); i++ {
		record, ok := s.items[s.order[i]]
		if !ok || record.Archived() {
			continue
		}
		if !includeCompleted && Completed(record.Payload) {
			continue
		}
		if len(items) >= limit {
			cursorValue := items[len(items)-1].CanonicalID
			nextCursor = &cursorValue
			hasMore = true
			break
		}
		items = append(items, record)
	}
	return SyncResponse{Items: items, NextCursor: nextCursor, HasMore: hasMore, ServerTime: serverTime}, nil
}

// GetEvents pages through the append-only change feed from cursor onward.
func (s *Store) GetEvents(cursor string, limit int) (EventFeed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 200
	}
	start := 0
	if strings.TrimSpace(cursor) != "" {
		found := false
		for i := range s.events {
			if s.events[i].EventID == cursor {
				start = i + 1
				found = true
				break
			}
		}
		if !found {
			return EventFeed{}, fmt.Errorf("%w: unknown cursor", ErrInvalidInput)
		}
	}
	if len(s.events) == 0 {
		return EventFeed{Events: []ChangeEvent{}, NextCursor: nil}, nil
	}
	if start >= len(s.events) {
		return EventFeed{Events: []ChangeEvent{}, NextCursor: nil}, nil
	}
	end := start + limit
	if end > len(s.events) {
		end = len(s.events)
	}
	chunk := append([]ChangeEvent(nil), s.events[start:end]...)
	var nextCursor *string
	if end < len(s.events) {
		next := s.events[end-1].EventID
		nextCursor = &next
	}
	return EventFeed{Events: chunk, NextCursor: nextCursor}, nil
}

// Subscribe registers a change-event listener. Slow listeners drop events
// rather than block mutations. The returned func cancels the subscription.
func (s *Store) Subscribe() (<-chan ChangeEvent, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan ChangeEvent, 64)
	s.subs[id] = ch
	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if existing, ok := s.subs[id]; ok {
			close(existing)
			delete(s.subs, id)
		}
	}
}

func (s *Store) GetBackendStatus() BackendStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return BackendStatus{
		StateBackend: describeStateBackend(s.stateBackend),
		ItemCount:    len(s.items),
		EventCount:   len(s.events),
	}
}

func (s *Store) resolveLocked(ref string) (ItemRecord, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ItemRecord{}, false
	}
	if record, ok := s.items[ref]; ok {
		return record, true
	}
	if canonicalID, ok := s.itemIndex[ref]; ok {
		record, exists := s.items[canonicalID]
		return record, exists
	}
	return ItemRecord{}, false
}

// checkReferencesLocked enforces the cross-record invariants: projectRefs
// resolve to Project records (never the item itself), and a ReadAction's
// objectRef resolves to a CreativeWork/DigitalDocument sitting in reference.
func (s *Store) checkReferencesLocked(p Payload, selfCanonicalID string) error {
	for _, ref := range ProjectRefs(p) {
		if selfCanonicalID != "" && ref == selfCanonicalID {
			return &ValidationError{Field: PropProjectRefs, Reason: "a project cannot reference itself"}
		}
		target, ok := s.items[ref]
		if !ok || target.Payload.TypeTag != TypeProject {
			return fmt.Errorf("%w: %s", ErrProjectNotFound, ref)
		}
	}
	if p.ObjectRef != "" {
		target, ok := s.items[p.ObjectRef]
		if !ok {
			return &ValidationError{Field: "objectRef", Reason: fmt.Sprintf("target %q does not exist", p.ObjectRef)}
		}
		if !ReferenceTargetTag(target.Payload.TypeTag) {
			return &ValidationError{Field: "objectRef", Reason: fmt.Sprintf("target %q is a %s, not reference material", p.ObjectRef, target.Payload.TypeTag)}
		}
		if bucket, _ := BucketOf(target.Payload); bucket != BucketReference {
			return &ValidationError{Field: "objectRef", Reason: fmt.Sprintf("target %q sits in %s, not reference", p.ObjectRef, bucket)}
		}
	}
	return nil
}

// isReadActionTargetLocked reports whether a live ReadAction points at
// canonicalID through objectRef. Such a target must stay in reference.
func (s *Store) isReadActionTargetLocked(canonicalID string) bool {
	for _, record := range s.items {
		if record.Payload.ObjectRef == canonicalID && !record.Archived() {
			return true
		}
	}
	return false
}

func applyCoreFields(p *Payload, patch ItemPatch) {
	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	if patch.Keywords != nil {
		p.Keywords = append([]string(nil), (*patch.Keywords)...)
	}
	if patch.StartTime != nil {
		p.StartTime = *patch.StartTime
	}
	if patch.EndTime != nil {
		p.EndTime = *patch.EndTime
	}
	if patch.ObjectRef != nil {
		p.ObjectRef = *patch.ObjectRef
	}
	if patch.StartDate != nil {
		p.StartDate = *patch.StartDate
	}
	if patch.EndDate != nil {
		p.EndDate = *patch.EndDate
	}
	if patch.Duration != nil {
		p.Duration = *patch.Duration
	}
	if patch.Location != nil {
		p.Location = *patch.Location
	}
	if patch.Sender != nil {
		sender := *patch.Sender
		p.Sender = &sender
	}
	if patch.EncodingFormat != nil {
		p.EncodingFormat = *patch.EncodingFormat
	}
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func (s *Store) recordEventLocked(eventType string, record ItemRecord) ChangeEvent {
	s.eventCounter++
	bucket, _ := BucketOf(record.Payload)
	event := ChangeEvent{
		EventID:     fmt.Sprintf("evt-%d", s.eventCounter),
		Type:        eventType,
		ItemID:      record.ItemID,
		CanonicalID: record.CanonicalID,
		Bucket:      bucket,
		Timestamp:   s.timestamp(),
	}
	s.events = append(s.events, event)
	return event
}

func (s *Store) notify(events ...ChangeEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, event := range events {
		for _, ch := range s.subs {
			select {
			case ch <- event:
			default:
			}
		}
	}
}

func (s *Store) loadFromDisk() error {
	if s.stateBackend == nil {
		return nil
	}
	snapshot, err := s.stateBackend.Load()
	if err != nil || snapshot == nil {
		return err
	}
	if snapshot.Items != nil {
		s.items = snapshot.Items
	}
	s.order = snapshot.Order
	if snapshot.ItemIndex != nil {
		s.itemIndex = snapshot.ItemIndex
	}
	s.events = snapshot.Events
	s.eventCounter = snapshot.EventCounter
	return nil
}

func (s *Store) saveLocked() error {
	if s.stateBackend == nil {
		return nil
	}
	return s.stateBackend.Save(&persistedState{
		EventCounter: s.eventCounter,
		Items:        s.items,
		Order:        s.order,
		ItemIndex:    s.itemIndex,
		Events:       s.events,
	})
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || strings.TrimSpace(b.Path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || strings.TrimSpace(b.Path) == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.Path)
}

// Attachments exposes the attachment index, when one is configured.
func (s *Store) Attachments() *AttachmentStore {
	return s.attachments
}
