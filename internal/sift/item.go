package sift

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation failed")
	ErrInvalidPatch        = errors.New("invalid patch")
	ErrMissingScheduleDate = errors.New("missing schedule date")
	ErrInvalidTargetBucket = errors.New("invalid target bucket")
	ErrProjectNotFound     = errors.New("project not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidState        = errors.New("invalid state")
)

// SchemaVersion is the only payload schema version this server accepts.
// Older payloads must be upgraded by the caller before submission.
const SchemaVersion = 2

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Bucket is the single authoritative workflow classification of an item.
// "Focus" is never a bucket; it is the app:isFocused flag filtered across
// buckets at read time.
type Bucket string

const (
	BucketInbox     Bucket = "inbox"
	BucketNext      Bucket = "next"
	BucketWaiting   Bucket = "waiting"
	BucketSomeday   Bucket = "someday"
	BucketCalendar  Bucket = "calendar"
	BucketReference Bucket = "reference"
	BucketProject   Bucket = "project"
)

func ValidBucket(b Bucket) bool {
	switch b {
	case BucketInbox, BucketNext, BucketWaiting, BucketSomeday, BucketCalendar, BucketReference, BucketProject:
		return true
	}
	return false
}

// ActionableBucket reports whether b is one of the buckets a triaged item can
// be worked from. Reference and project are organizational, not actionable.
func ActionableBucket(b Bucket) bool {
	switch b {
	case BucketNext, BucketWaiting, BucketSomeday, BucketCalendar:
		return true
	}
	return false
}

const (
	TypeAction            = "Action"
	TypeReadAction        = "ReadAction"
	TypePlanAction        = "PlanAction"
	TypeBuyAction         = "BuyAction"
	TypeCommunicateAction = "CommunicateAction"
	TypeReviewAction      = "ReviewAction"
	TypeCreateAction      = "CreateAction"
	TypeSendAction        = "SendAction"
	TypeCheckAction       = "CheckAction"
	TypeProject           = "Project"
	TypeCreativeWork      = "CreativeWork"
	TypeDigitalDocument   = "DigitalDocument"
	TypeEmailMessage      = "EmailMessage"
	TypeEvent             = "Event"
	TypePerson            = "Person"
)

func KnownTypeTag(tag string) bool {
	switch tag {
	case TypeAction, TypeReadAction, TypePlanAction, TypeBuyAction, TypeCommunicateAction,
		TypeReviewAction, TypeCreateAction, TypeSendAction, TypeCheckAction,
		TypeProject, TypeCreativeWork, TypeDigitalDocument, TypeEmailMessage, TypeEvent, TypePerson:
		return true
	}
	return false
}

// ActionTag reports whether tag is the generic Action type or one of its task
// subtypes. "Completed" is only meaningful for these variants.
func ActionTag(tag string) bool {
	switch tag {
	case TypeAction, TypeReadAction, TypePlanAction, TypeBuyAction, TypeCommunicateAction,
		TypeReviewAction, TypeCreateAction, TypeSendAction, TypeCheckAction:
		return true
	}
	return false
}

// SplitSourceTag reports whether an inbox item of this variant splits into a
// reference copy plus a linked ReadAction when triaged to an actionable bucket.
func SplitSourceTag(tag string) bool {
	return tag == TypeDigitalDocument || tag == TypeEmailMessage
}

// ReferenceTargetTag reports whether a record of this variant can be the
// objectRef target of a ReadAction.
func ReferenceTargetTag(tag string) bool {
	return tag == TypeCreativeWork || tag == TypeDigitalDocument
}

// Extension property bag identifiers. The bag, not the typed core fields,
// carries the domain state that changes over an item's life.
const (
	PropBucket            = "app:bucket"
	PropRawCapture        = "app:rawCapture"
	PropNeedsEnrichment   = "app:needsEnrichment"
	PropConfidence        = "app:confidence"
	PropCaptureSource     = "app:captureSource"
	PropContexts          = "app:contexts"
	PropIsFocused         = "app:isFocused"
	PropProjectRefs       = "app:projectRefs"
	PropSequenceOrder     = "app:sequenceOrder"
	PropDesiredOutcome    = "app:desiredOutcome"
	PropProjectStatus     = "app:projectStatus"
	PropOrigin            = "app:origin"
	PropFileID            = "app:fileId"
	PropDownloadURL       = "app:downloadUrl"
	PropOrgRole           = "app:orgRole"
	PropOrgRef            = "app:orgRef"
	PropProvenanceHistory = "app:provenanceHistory"
	PropTypedReferences   = "app:typedReferences"
	PropPorts             = "app:ports"
)

// Property is a single (propertyId, value) entry of the extension bag.
// The bag is an ordered sequence: iteration order is the insertion order of
// each propertyId's first occurrence, and merges must preserve it.
type Property struct {
	PropertyID string          `json:"propertyId"`
	Value      json.RawMessage `json:"value"`
}

type Sender struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

type ProvenanceEntry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
}

type TypedReference struct {
	Type     string `json:"type"`
	TargetID string `json:"targetId"`
}

// Payload is the typed body of an item record: a tagged variant switched on
// TypeTag at the boundary. Variant-specific fields are omitempty; internal
// logic operates on the envelope and the bag wherever possible.
type Payload struct {
	ID            string   `json:"id,omitempty"`
	TypeTag       string   `json:"typeTag"`
	SchemaVersion int      `json:"schemaVersion"`
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	Keywords      []string `json:"keywords,omitempty"`
	DateCreated   string   `json:"dateCreated,omitempty"`
	DateModified  string   `json:"dateModified,omitempty"`

	// Action variants. EndTime set means the action is completed.
	StartTime string `json:"startTime,omitempty"`
	EndTime   string `json:"endTime,omitempty"`
	// ReadAction only: canonical ID of the CreativeWork/DigitalDocument the
	// action reads (the split target).
	ObjectRef string `json:"objectRef,omitempty"`

	// Event variant.
	StartDate string `json:"startDate,omitempty"`
	EndDate   string `json:"endDate,omitempty"`
	Duration  string `json:"duration,omitempty"`
	Location  string `json:"location,omitempty"`

	// EmailMessage variant.
	Sender *Sender `json:"sender,omitempty"`

	// DigitalDocument variant.
	EncodingFormat string `json:"encodingFormat,omitempty"`

	AdditionalProperty []Property `json:"additionalProperty,omitempty"`
}

// ItemRecord is the atomic persisted unit: envelope plus typed payload.
// CanonicalID is immutable for the life of the record; the bucket is state,
// not identity.
type ItemRecord struct {
	ItemID      string  `json:"itemId"`
	CanonicalID string  `json:"canonicalId"`
	Source      string  `json:"source,omitempty"`
	CreatedAt   string  `json:"createdAt"`
	UpdatedAt   string  `json:"updatedAt"`
	ArchivedAt  string  `json:"archivedAt,omitempty"`
	Payload     Payload `json:"item"`
}

func (r ItemRecord) Archived() bool {
	return r.ArchivedAt != ""
}

const canonicalIDPrefix = "urn:app:"

// CanonicalKind maps a creation-time bucket to the kind segment of the
// canonical ID. The segment is a snapshot: it is never re-derived when the
// record later moves buckets.
func CanonicalKind(b Bucket) string {
	switch b {
	case BucketProject:
		return "project"
	case BucketReference:
		return "reference"
	case BucketInbox:
		return "inbox"
	default:
		return "action"
	}
}

func DeriveCanonicalID(b Bucket, itemID string) string {
	return canonicalIDPrefix + CanonicalKind(b) + ":" + itemID
}

func ValidCanonicalID(id string) bool {
	if !strings.HasPrefix(id, canonicalIDPrefix) {
		return false
	}
	rest := strings.TrimPrefix(id, canonicalIDPrefix)
	kind, opaque, ok := strings.Cut(rest, ":")
	if !ok || opaque == "" {
		return false
	}
	switch kind {
	case "inbox", "action", "project", "reference", "event", "email":
		return true
	}
	return false
}

// BagValue returns the raw value for propertyId and whether it is present.
func BagValue(p Payload, propertyID string) (json.RawMessage, bool) {
	for _, entry := range p.AdditionalProperty {
		if entry.PropertyID == propertyID {
			return entry.Value, true
		}
	}
	return nil, false
}

func bagString(p Payload, propertyID string) string {
	raw, ok := BagValue(p, propertyID)
	if !ok {
		return ""
	}
	var out string
	if err := json.Unmarshal(raw, &out); err != nil {
		return ""
	}
	return out
}

func bagBool(p Payload, propertyID string) bool {
	raw, ok := BagValue(p, propertyID)
	if !ok {
		return false
	}
	var out bool
	if err := json.Unmarshal(raw, &out); err != nil {
		return false
	}
	return out
}

// BucketOf is the read-time bucket accessor. The second return is false when
// the record carries no bucket entry, which only happens for records built
// outside CreateItem.
func BucketOf(p Payload) (Bucket, bool) {
	value := bagString(p, PropBucket)
	if value == "" {
		return "", false
	}
	return Bucket(value), true
}

// Focused reports the app:isFocused flag that drives the derived Focus view.
func Focused(p Payload) bool {
	return bagBool(p, PropIsFocused)
}

// Completed reports whether the record counts as completed for the sync
// partition. Only action-like variants can complete; everything else is
// always "incomplete" and therefore always included.
func Completed(p Payload) bool {
	return ActionTag(p.TypeTag) && p.EndTime != ""
}

// ProjectRefs decodes the app:projectRefs list. Absent or malformed entries
// yield an empty list.
func ProjectRefs(p Payload) []string {
	raw, ok := BagValue(p, PropProjectRefs)
	if !ok {
		return nil
	}
	var refs []string
	if err := json.Unmarshal(raw, &refs); err != nil {
		return nil
	}
	return refs
}

// ProvenanceOf decodes the append-only app:provenanceHistory audit log.
func ProvenanceOf(p Payload) []ProvenanceEntry {
	raw, ok := BagValue(p, PropProvenanceHistory)
	if !ok {
		return nil
	}
	var entries []ProvenanceEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}
	return entries
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal of static value failed: %v", err))
	}
	return data
}

// validatePayload enforces the structural rules a create must satisfy beyond
// the JSON schema: supported schema version, known type tag, and the required
// variant fields.
func validatePayload(p Payload) error {
	if p.SchemaVersion != SchemaVersion {
		return &ValidationError{Field: "schemaVersion", Reason: fmt.Sprintf("unsupported version %d, want %d", p.SchemaVersion, SchemaVersion)}
	}
	if !KnownTypeTag(p.TypeTag) {
		return &ValidationError{Field: "typeTag", Reason: fmt.Sprintf("unknown type tag %q", p.TypeTag)}
	}
	if strings.TrimSpace(p.Name) == "" {
		return &ValidationError{Field: "name", Reason: "name is required"}
	}
	switch p.TypeTag {
	case TypeEmailMessage:
		if p.Sender == nil || strings.TrimSpace(p.Sender.Email) == "" {
			return &ValidationError{Field: "sender", Reason: "EmailMessage requires sender.email"}
		}
	case TypeEvent:
		if strings.TrimSpace(p.StartDate) == "" {
			return &ValidationError{Field: "startDate", Reason: "Event requires startDate"}
		}
	}
	if p.ObjectRef != "" && p.TypeTag != TypeReadAction {
		return &ValidationError{Field: "objectRef", Reason: "objectRef is only valid on ReadAction"}
	}
	seen := map[string]struct{}{}
	for _, entry := range p.AdditionalProperty {
		if strings.TrimSpace(entry.PropertyID) == "" {
			return &ValidationError{Field: "additionalProperty", Reason: "entry with empty propertyId"}
		}
		if _, dup := seen[entry.PropertyID]; dup {
			return &ValidationError{Field: "additionalProperty", Reason: fmt.Sprintf("duplicate propertyId %q", entry.PropertyID)}
		}
		seen[entry.PropertyID] = struct{}{}
		if len(entry.Value) == 0 || !json.Valid(entry.Value) {
			return &ValidationError{Field: "additionalProperty", Reason: fmt.Sprintf("property %q carries a malformed value", entry.PropertyID)}
		}
	}
	if bucket, ok := BucketOf(p); ok && !ValidBucket(bucket) {
		return &ValidationError{Field: PropBucket, Reason: fmt.Sprintf("unknown bucket %q", bucket)}
	}
	return nil
}
