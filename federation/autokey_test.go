package federation_test

import (
	"errors"
	"testing"

	"github.com/berrygraph/federation-engine/federation"
)

func TestDetectKey_IDField(t *testing.T) {
	fields := map[string]federation.FieldInfo{
		"id":   {TypeName: "ID", IsRequired: true},
		"name": {TypeName: "String"},
	}

	key, err := federation.DetectKey("User", fields)
	if err != nil {
		t.Fatalf("DetectKey failed: %v", err)
	}
	if key != "id" {
		t.Errorf("expected key 'id', got %q", key)
	}
}

func TestDetectKey_PrimaryKeyAnnotation(t *testing.T) {
	fields := map[string]federation.FieldInfo{
		"user_id": {TypeName: "String", Annotations: []string{"primary_key"}},
		"name":    {TypeName: "String"},
	}

	key, err := federation.DetectKey("User", fields)
	if err != nil {
		t.Fatalf("DetectKey failed: %v", err)
	}
	if key != "user_id" {
		t.Errorf("expected key 'user_id', got %q", key)
	}
}

func TestDetectKey_IDFieldBeatsAnnotation(t *testing.T) {
	fields := map[string]federation.FieldInfo{
		"id":      {TypeName: "ID"},
		"user_id": {TypeName: "String", Annotations: []string{"primary_key"}},
	}

	key, err := federation.DetectKey("User", fields)
	if err != nil {
		t.Fatalf("DetectKey failed: %v", err)
	}
	if key != "id" {
		t.Errorf("expected literal id field to win, got %q", key)
	}
}

func TestDetectKey_AmbiguousAnnotations(t *testing.T) {
	fields := map[string]federation.FieldInfo{
		"user_id": {TypeName: "String", Annotations: []string{"primary_key"}},
		"org_id":  {TypeName: "String", Annotations: []string{"primary_key"}},
	}

	_, err := federation.DetectKey("Membership", fields)
	var ambiguous *federation.AmbiguousKeyError
	if !errors.As(err, &ambiguous) {
		t.Fatalf("expected AmbiguousKeyError, got %v", err)
	}
	if ambiguous.TypeName != "Membership" {
		t.Errorf("expected type 'Membership', got %q", ambiguous.TypeName)
	}
	if len(ambiguous.Fields) != 2 {
		t.Errorf("expected 2 ambiguous fields, got %d", len(ambiguous.Fields))
	}
}

func TestDetectKey_IDTypedFallback(t *testing.T) {
	fields := map[string]federation.FieldInfo{
		"uuid":  {TypeName: "ID"},
		"email": {TypeName: "String"},
	}

	key, err := federation.DetectKey("Account", fields)
	if err != nil {
		t.Fatalf("DetectKey failed: %v", err)
	}
	if key != "uuid" {
		t.Errorf("expected key 'uuid', got %q", key)
	}
}

func TestDetectKey_IDTypedFallbackIsDeterministic(t *testing.T) {
	fields := map[string]federation.FieldInfo{
		"zebra": {TypeName: "ID"},
		"alpha": {TypeName: "ID"},
	}

	for i := 0; i < 20; i++ {
		key, err := federation.DetectKey("Pair", fields)
		if err != nil {
			t.Fatalf("DetectKey failed: %v", err)
		}
		if key != "alpha" {
			t.Fatalf("expected sorted-first ID field 'alpha', got %q", key)
		}
	}
}

func TestDetectKey_NoKeyFound(t *testing.T) {
	fields := map[string]federation.FieldInfo{
		"name":  {TypeName: "String"},
		"email": {TypeName: "String"},
	}

	_, err := federation.DetectKey("Contact", fields)
	var notFound *federation.NoKeyFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected NoKeyFoundError, got %v", err)
	}
}

func TestDetectKey_EmptyFields(t *testing.T) {
	_, err := federation.DetectKey("Empty", map[string]federation.FieldInfo{})
	var invalid *federation.InvalidTypeError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTypeError, got %v", err)
	}
}
