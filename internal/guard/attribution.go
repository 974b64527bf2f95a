package guard

import "fmt"

// attributionPrefix and attributionMiddle build the exact required shape of
// an attribution string: "CommunicationOS (<operation>) in session <session_id>".
const attributionPrefix = "CommunicationOS ("
const attributionMiddle = ") in session "

// AttributionViolation is returned when an artifact flowing back to the
// agent from an external source lacks a well-formed, matching attribution.
type AttributionViolation struct {
	Reason string
}

func (e *AttributionViolation) Error() string { return "attribution violation: " + e.Reason }

// ExternalArtifact is the minimal shape AttributionGuard needs: a metadata
// map carrying the "attribution" string produced by the source that
// fetched or generated the artifact.
type ExternalArtifact struct {
	Metadata map[string]string
}

// EnforceAttribution checks that artifact.Metadata["attribution"] exists,
// matches the required format exactly, and its session_id component equals
// sessionID. Any mismatch is an AttributionViolation.
func EnforceAttribution(artifact ExternalArtifact, operation, sessionID string) error {
	attribution, ok := artifact.Metadata["attribution"]
	if !ok || attribution == "" {
		return &AttributionViolation{Reason: "metadata.attribution is missing"}
	}
	want := fmt.Sprintf("%s%s%s%s", attributionPrefix, operation, attributionMiddle, sessionID)
	if attribution != want {
		return &AttributionViolation{Reason: fmt.Sprintf("attribution %q does not match required %q", attribution, want)}
	}
	return nil
}

// FormatAttribution builds a well-formed attribution string for a source
// that just produced an artifact for the given operation and session.
func FormatAttribution(operation, sessionID string) string {
	return fmt.Sprintf("%s%s%s%s", attributionPrefix, operation, attributionMiddle, sessionID)
}
