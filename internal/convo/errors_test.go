package convo

import (
	"errors"
	"strings"
	"testing"
)

func TestErrorIncludesDetail(t *testing.T) {
	err := E(KindProviderMalformed, nil, "completion response has no choices")
	if got := err.Error(); got != "provider_malformed: completion response has no choices" {
		t.Fatalf("Error() = %q", got)
	}

	wrapped := E(KindProviderResponse, errors.New("status 503"), "upstream body: overloaded")
	if got := wrapped.Error(); got != "provider_response: status 503 (upstream body: overloaded)" {
		t.Fatalf("Error() = %q", got)
	}

	bare := E(KindDuplicate, nil, "")
	if got := bare.Error(); got != "duplicate" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestErrorDetailKeepsTail(t *testing.T) {
	detail := strings.Repeat("x", maxDetail) + "tail marker"
	err := E(KindProviderMalformed, nil, detail)
	if len(err.Detail) != maxDetail {
		t.Fatalf("detail length = %d, want %d", len(err.Detail), maxDetail)
	}
	if !strings.HasSuffix(err.Detail, "tail marker") {
		t.Fatalf("truncation dropped the tail: %q", err.Detail[len(err.Detail)-20:])
	}
	if !strings.Contains(err.Error(), "tail marker") {
		t.Fatalf("Error() lost the detail tail: %q", err.Error()[:40])
	}
}

func TestKindOfUnwraps(t *testing.T) {
	inner := E(KindProviderConnection, errors.New("dial tcp: refused"), "")
	if got := KindOf(inner); got != KindProviderConnection {
		t.Fatalf("KindOf = %v", got)
	}
	if got := KindOf(errors.New("plain")); got != KindUnclassified {
		t.Fatalf("KindOf plain error = %v", got)
	}
}
