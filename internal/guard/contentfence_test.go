package guard_test

import (
	"strings"
	"testing"

	"github.com/wardline/kernel/internal/guard"
)

func Test_Fence_ForLLM_IncludesUsageBanner(t *testing.T) {
	f := guard.Fence("https://example.com/page", "some content", guard.TierSearchResult)
	rendered := f.ForLLM()
	if !strings.Contains(rendered, "Allowed uses") || !strings.Contains(rendered, "Forbidden uses") {
		t.Fatal("expected rendered content to carry the allowed/forbidden usage banner")
	}
	if !strings.Contains(rendered, "UNTRUSTED_EXTERNAL_CONTENT") {
		t.Fatal("expected the tagged envelope name to appear in the rendered output")
	}
}

func Test_Fence_UnwrapForDisplay_StripsWrapper(t *testing.T) {
	f := guard.Fence("https://example.com", "raw text", guard.TierExternalSource)
	if f.UnwrapForDisplay() != "raw text" {
		t.Fatalf("expected unwrapped display to be the raw content, got %q", f.UnwrapForDisplay())
	}
}

func Test_Fence_Upgrade_SearchResultBecomesExternalSource(t *testing.T) {
	f := guard.Fence("https://example.com", "x", guard.TierSearchResult)
	upgraded := f.Upgrade()
	if upgraded.Tier != guard.TierExternalSource {
		t.Fatalf("expected upgrade from search_result to external_source, got %s", upgraded.Tier)
	}
}

func Test_Fence_Upgrade_TrustedSourceUnaffected(t *testing.T) {
	f := guard.Fence("https://example.com", "x", guard.TierTrustedSource)
	upgraded := f.Upgrade()
	if upgraded.Tier != guard.TierTrustedSource {
		t.Fatalf("expected trusted_source to remain unchanged, got %s", upgraded.Tier)
	}
}
