package sift

import (
	"fmt"
	"strings"
)

type TriageExtra struct {
	// DueDate is required when the target is calendar and the record carries
	// no schedule date of its own.
	DueDate string `json:"dueDate,omitempty"`
	// ProjectID, when set, is appended to the surviving actionable record's
	// projectRefs. Re-adding an existing reference is a no-op.
	ProjectID string `json:"projectId,omitempty"`
}

// TriageResult carries the record(s) a transition produced. Created is nil
// except on the split path, where it holds the new ReadAction.
type TriageResult struct {
	Updated ItemRecord  `json:"updated"`
	Created *ItemRecord `json:"created,omitempty"`
}

// Triage runs the bucket transition function. Validation precedes any write;
// the bucket patch and (for splits) the companion create commit as one atomic
// unit under the store lock, so concurrent transitions on the same record
// cannot double-split.
func (s *Store) Triage(ref string, target Bucket, extra TriageExtra) (TriageResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.resolveLocked(ref)
	if !ok {
		return TriageResult{}, ErrNotFound
	}
	if record.Archived() {
		return TriageResult{}, fmt.Errorf("%w: %s is archived", ErrInvalidState, record.CanonicalID)
	}
	if !ValidBucket(target) {
		return TriageResult{}, fmt.Errorf("%w: %q", ErrInvalidTargetBucket, target)
	}
	projectID := strings.TrimSpace(extra.ProjectID)
	if projectID != "" {
		project, exists := s.items[projectID]
		if !exists || project.Payload.TypeTag != TypeProject {
			return TriageResult{}, fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
		}
	}

	currentBucket, _ := BucketOf(record.Payload)
	if currentBucket == BucketReference && target != BucketReference && s.isReadActionTargetLocked(record.CanonicalID) {
		return TriageResult{}, fmt.Errorf("%w: %s backs a ReadAction and must stay in reference", ErrInvalidState, record.CanonicalID)
	}
	split := SplitSourceTag(record.Payload.TypeTag) &&
		currentBucket == BucketInbox &&
		ActionableBucket(target)

	dueDate := strings.TrimSpace(extra.DueDate)
	if target == BucketCalendar {
		if split {
			// The new ReadAction starts with no dates of its own.
			if dueDate == "" {
				return TriageResult{}, ErrMissingScheduleDate
			}
		} else if dueDate == "" && scheduleDateOf(record.Payload) == "" {
			return TriageResult{}, ErrMissingScheduleDate
		}
	}

	if split {
		return s.applySplitLocked(record, target, dueDate, projectID)
	}
	return s.applyDirectMoveLocked(record, target, dueDate, projectID)
}

// applyDirectMoveLocked is the single-record transition: the bucket entry is
// upserted, a calendar date lands in the variant's schedule field, and an
// optional project link is attached. Canonical identity never changes.
func (s *Store) applyDirectMoveLocked(record ItemRecord, target Bucket, dueDate, projectID string) (TriageResult, error) {
	nowStr := s.timestamp()
	patch := []Property{
		{PropertyID: PropBucket, Value: mustJSON(string(target))},
	}
	if target == BucketReference {
		patch = append(patch, Property{PropertyID: PropOrigin, Value: mustJSON("triaged")})
	}
	if projectID != "" {
		patch = append(patch, projectRefsPatch(record.Payload, projectID))
	}
	patch = append(patch, appendProvenance(record.Payload, nowStr, "triaged to "+string(target)))

	merged, err := MergeBag(record.Payload.AdditionalProperty, patch)
	if err != nil {
		return TriageResult{}, err
	}
	record.Payload.AdditionalProperty = merged
	if target == BucketCalendar && dueDate != "" {
		setScheduleDate(&record.Payload, dueDate)
	}
	record.Payload.DateModified = nowStr
	record.UpdatedAt = nowStr
	s.items[record.CanonicalID] = record
	event := s.recordEventLocked("item.triaged", record)
	_ = s.saveLocked()
	s.notify(event)
	return TriageResult{Updated: record}, nil
}

// applySplitLocked is the split-on-triage transition: the original document
// becomes reference material and a new ReadAction pointing back at it lands
// in the target bucket, inheriting the original's project links. The only
// transition that turns one record into two.
func (s *Store) applySplitLocked(record ItemRecord, target Bucket, dueDate, projectID string) (TriageResult, error) {
	nowStr := s.timestamp()
	inheritedRefs := ProjectRefs(record.Payload)

	originalPatch := []Property{
		{PropertyID: PropBucket, Value: mustJSON(string(BucketReference))},
		{PropertyID: PropOrigin, Value: mustJSON("triaged")},
		appendProvenance(record.Payload, nowStr, "triaged to reference"),
	}
	merged, err := MergeBag(record.Payload.AdditionalProperty, originalPatch)
	if err != nil {
		return TriageResult{}, err
	}
	record.Payload.AdditionalProperty = merged
	record.Payload.DateModified = nowStr
	record.UpdatedAt = nowStr

	actionRefs := append([]string(nil), inheritedRefs...)
	if projectID != "" && !stringSliceContains(actionRefs, projectID) {
		actionRefs = append(actionRefs, projectID)
	}
	actionItemID := s.newItemID()
	actionCanonicalID := DeriveCanonicalID(target, actionItemID)
	actionBag := []Property{
		{PropertyID: PropBucket, Value: mustJSON(string(target))},
		{PropertyID: PropProvenanceHistory, Value: mustJSON([]ProvenanceEntry{{Timestamp: nowStr, Action: "split from " + record.CanonicalID}})},
	}
	if len(actionRefs) > 0 {
		actionBag = append(actionBag, Property{PropertyID: PropProjectRefs, Value: mustJSON(actionRefs)})
	}
	action := ItemRecord{
		ItemID:      actionItemID,
		CanonicalID: actionCanonicalID,
		Source:      "system",
		CreatedAt:   nowStr,
		UpdatedAt:   nowStr,
		Payload: Payload{
			ID:                 actionCanonicalID,
			TypeTag:            TypeReadAction,
			SchemaVersion:      SchemaVersion,
			Name:               record.Payload.Name,
			ObjectRef:          record.CanonicalID,
			DateCreated:        nowStr,
			DateModified:       nowStr,
			AdditionalProperty: actionBag,
		},
	}
	if target == BucketCalendar {
		action.Payload.StartTime = dueDate
	}

	s.items[record.CanonicalID] = record
	s.items[actionCanonicalID] = action
	s.order = append(s.order, actionCanonicalID)
	s.itemIndex[actionItemID] = actionCanonicalID
	triagedEvent := s.recordEventLocked("item.triaged", record)
	createdEvent := s.recordEventLocked("item.created", action)
	_ = s.saveLocked()
	s.notify(triagedEvent, createdEvent)
	return TriageResult{Updated: record, Created: &action}, nil
}

// scheduleDateOf returns the date that would satisfy a calendar move without
// an explicit due date: startDate for Event variants, startTime otherwise.
func scheduleDateOf(p Payload) string {
	if p.TypeTag == TypeEvent {
		return strings.TrimSpace(p.StartDate)
	}
	return strings.TrimSpace(p.StartTime)
}

func setScheduleDate(p *Payload, date string) {
	if p.TypeTag == TypeEvent {
		p.StartDate = date
		return
	}
	p.StartTime = date
}

func projectRefsPatch(p Payload, projectID string) Property {
	refs := ProjectRefs(p)
	if !stringSliceContains(refs, projectID) {
		refs = append(refs, projectID)
	}
	return Property{PropertyID: PropProjectRefs, Value: mustJSON(refs)}
}

func stringSliceContains(values []string, needle string) bool {
	for _, value := range values {
		if value == needle {
			return true
		}
	}
	return false
}
