package sift

import (
	"errors"
	"testing"
)

func TestCanonicalKindSnapshotsCreationBucket(t *testing.T) {
	cases := []struct {
		bucket Bucket
		kind   string
	}{
		{BucketInbox, "inbox"},
		{BucketProject, "project"},
		{BucketReference, "reference"},
		{BucketNext, "action"},
		{BucketWaiting, "action"},
		{BucketSomeday, "action"},
		{BucketCalendar, "action"},
	}
	for _, tc := range cases {
		if got := CanonicalKind(tc.bucket); got != tc.kind {
			t.Fatalf("bucket %s: expected kind %s, got %s", tc.bucket, tc.kind, got)
		}
	}
}

func TestDeriveCanonicalID(t *testing.T) {
	id := DeriveCanonicalID(BucketInbox, "abc-123")
	if id != "urn:app:inbox:abc-123" {
		t.Fatalf("unexpected canonical id %q", id)
	}
	if !ValidCanonicalID(id) {
		t.Fatalf("derived id should validate")
	}
}

func TestValidCanonicalID(t *testing.T) {
	valid := []string{
		"urn:app:inbox:x1",
		"urn:app:action:x1",
		"urn:app:project:p-9",
		"urn:app:reference:r",
		"urn:app:event:e",
		"urn:app:email:m",
	}
	for _, id := range valid {
		if !ValidCanonicalID(id) {
			t.Fatalf("expected %q to be valid", id)
		}
	}
	invalid := []string{
		"",
		"urn:app:inbox:",
		"urn:app:unknown:x1",
		"urn:other:inbox:x1",
		"inbox:x1",
	}
	for _, id := range invalid {
		if ValidCanonicalID(id) {
			t.Fatalf("expected %q to be invalid", id)
		}
	}
}

func TestBucketOfReadsBag(t *testing.T) {
	payload := Payload{AdditionalProperty: []Property{prop(PropBucket, `"waiting"`)}}
	bucket, ok := BucketOf(payload)
	if !ok || bucket != BucketWaiting {
		t.Fatalf("expected waiting, got %q (ok=%t)", bucket, ok)
	}
	if _, ok := BucketOf(Payload{}); ok {
		t.Fatalf("expected no bucket on empty payload")
	}
}

func TestCompletedOnlyAppliesToActionVariants(t *testing.T) {
	action := Payload{TypeTag: TypeReadAction, EndTime: "2026-01-02T00:00:00Z"}
	if !Completed(action) {
		t.Fatalf("action with endTime should be completed")
	}
	openAction := Payload{TypeTag: TypeAction}
	if Completed(openAction) {
		t.Fatalf("action without endTime should not be completed")
	}
	doc := Payload{TypeTag: TypeDigitalDocument, EndTime: "2026-01-02T00:00:00Z"}
	if Completed(doc) {
		t.Fatalf("non-action variants never complete")
	}
}

func TestFocusedFlag(t *testing.T) {
	payload := Payload{AdditionalProperty: []Property{prop(PropIsFocused, `true`)}}
	if !Focused(payload) {
		t.Fatalf("expected focused")
	}
	if Focused(Payload{}) {
		t.Fatalf("expected unfocused by default")
	}
}

func TestValidatePayloadRules(t *testing.T) {
	base := func() Payload {
		return Payload{TypeTag: TypeAction, SchemaVersion: SchemaVersion, Name: "call plumber"}
	}

	if err := validatePayload(base()); err != nil {
		t.Fatalf("baseline payload should validate: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Payload)
	}{
		{"wrong schema version", func(p *Payload) { p.SchemaVersion = 1 }},
		{"unknown type tag", func(p *Payload) { p.TypeTag = "Widget" }},
		{"missing name", func(p *Payload) { p.Name = "  " }},
		{"email without sender", func(p *Payload) { p.TypeTag = TypeEmailMessage }},
		{"event without start date", func(p *Payload) { p.TypeTag = TypeEvent }},
		{"objectRef on non-ReadAction", func(p *Payload) { p.ObjectRef = "urn:app:reference:x" }},
		{"duplicate bag entry", func(p *Payload) {
			p.AdditionalProperty = []Property{prop("app:bucket", `"inbox"`), prop("app:bucket", `"next"`)}
		}},
		{"malformed bag value", func(p *Payload) {
			p.AdditionalProperty = []Property{prop("app:confidence", `{oops`)}
		}},
		{"unknown bucket", func(p *Payload) {
			p.AdditionalProperty = []Property{prop(PropBucket, `"backlog"`)}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := base()
			tc.mutate(&payload)
			err := validatePayload(payload)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestValidatePayloadAcceptsVariantFields(t *testing.T) {
	email := Payload{
		TypeTag:       TypeEmailMessage,
		SchemaVersion: SchemaVersion,
		Name:          "Re: invoice",
		Sender:        &Sender{Name: "Ann", Email: "ann@example.com"},
	}
	if err := validatePayload(email); err != nil {
		t.Fatalf("email payload should validate: %v", err)
	}
	event := Payload{
		TypeTag:       TypeEvent,
		SchemaVersion: SchemaVersion,
		Name:          "dentist",
		StartDate:     "2026-09-14",
	}
	if err := validatePayload(event); err != nil {
		t.Fatalf("event payload should validate: %v", err)
	}
}
