package guard_test

import (
	"testing"

	"github.com/wardline/kernel/internal/guard"
)

func Test_EnforceAttribution_AcceptsWellFormed(t *testing.T) {
	art := guard.ExternalArtifact{Metadata: map[string]string{
		"attribution": guard.FormatAttribution("web_search", "sess-123"),
	}}
	if err := guard.EnforceAttribution(art, "web_search", "sess-123"); err != nil {
		t.Fatalf("expected well-formed attribution to pass, got %v", err)
	}
}

func Test_EnforceAttribution_RejectsMissing(t *testing.T) {
	art := guard.ExternalArtifact{Metadata: map[string]string{}}
	if err := guard.EnforceAttribution(art, "web_search", "sess-123"); err == nil {
		t.Fatal("expected missing attribution to be rejected")
	}
}

func Test_EnforceAttribution_RejectsWrongSessionID(t *testing.T) {
	art := guard.ExternalArtifact{Metadata: map[string]string{
		"attribution": guard.FormatAttribution("web_search", "sess-999"),
	}}
	if err := guard.EnforceAttribution(art, "web_search", "sess-123"); err == nil {
		t.Fatal("expected session_id mismatch to be rejected")
	}
}

func Test_EnforceAttribution_RejectsMalformedString(t *testing.T) {
	art := guard.ExternalArtifact{Metadata: map[string]string{
		"attribution": "not the right format at all",
	}}
	if err := guard.EnforceAttribution(art, "web_search", "sess-123"); err == nil {
		t.Fatal("expected malformed attribution string to be rejected")
	}
}
