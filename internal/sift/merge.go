package sift

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MergeBag applies a field-level patch to an extension property bag and
// returns the new sequence. Entries of existing whose propertyId appears in
// patch are replaced in place, keeping their original position; entries not
// mentioned pass through unchanged; patch entries introducing a new
// propertyId are appended after all existing entries, in patch order.
//
// Values are replaced wholesale at propertyId granularity; the merge never
// descends into a value. The function is pure and all-or-nothing: a malformed
// patch leaves nothing applied.
func MergeBag(existing, patch []Property) ([]Property, error) {
	if err := validateBagPatch(patch); err != nil {
		return nil, err
	}

	patchValues := make(map[string]json.RawMessage, len(patch))
	for _, entry := range patch {
		patchValues[entry.PropertyID] = entry.Value
	}
	existingIDs := make(map[string]struct{}, len(existing))

	merged := make([]Property, 0, len(existing)+len(patch))
	for _, entry := range existing {
		existingIDs[entry.PropertyID] = struct{}{}
		if value, ok := patchValues[entry.PropertyID]; ok {
			entry.Value = value
		}
		merged = append(merged, entry)
	}
	for _, entry := range patch {
		if _, ok := existingIDs[entry.PropertyID]; ok {
			continue
		}
		merged = append(merged, entry)
	}
	return merged, nil
}

func validateBagPatch(patch []Property) error {
	seen := make(map[string]struct{}, len(patch))
	for _, entry := range patch {
		if strings.TrimSpace(entry.PropertyID) == "" {
			return fmt.Errorf("%w: entry with empty propertyId", ErrInvalidPatch)
		}
		if _, dup := seen[entry.PropertyID]; dup {
			return fmt.Errorf("%w: duplicate propertyId %q", ErrInvalidPatch, entry.PropertyID)
		}
		seen[entry.PropertyID] = struct{}{}
		if len(entry.Value) == 0 || !json.Valid(entry.Value) {
			return fmt.Errorf("%w: property %q carries a malformed value", ErrInvalidPatch, entry.PropertyID)
		}
	}
	return nil
}

// checkProvenanceExtends enforces the append-only audit log invariant: a
// patch that targets app:provenanceHistory must carry the existing entries as
// a prefix and may only add new ones after them.
func checkProvenanceExtends(existing Payload, patch []Property) error {
	var patched json.RawMessage
	found := false
	for _, entry := range patch {
		if entry.PropertyID == PropProvenanceHistory {
			patched = entry.Value
			found = true
		}
	}
	if !found {
		return nil
	}
	var next []ProvenanceEntry
	if err := json.Unmarshal(patched, &next); err != nil {
		return fmt.Errorf("%w: %s is not a list of audit entries", ErrInvalidPatch, PropProvenanceHistory)
	}
	current := ProvenanceOf(existing)
	if len(next) < len(current) {
		return fmt.Errorf("%w: %s would shrink from %d to %d entries", ErrInvalidPatch, PropProvenanceHistory, len(current), len(next))
	}
	for i, entry := range current {
		if next[i] != entry {
			return fmt.Errorf("%w: %s rewrites entry %d; the log is append-only", ErrInvalidPatch, PropProvenanceHistory, i)
		}
	}
	return nil
}

// appendProvenance returns a bag patch entry that extends the record's audit
// log with one event. It is the only sanctioned way the store mutates the log.
func appendProvenance(p Payload, timestamp, action string) Property {
	entries := append(ProvenanceOf(p), ProvenanceEntry{Timestamp: timestamp, Action: action})
	return Property{PropertyID: PropProvenanceHistory, Value: mustJSON(entries)}
}
