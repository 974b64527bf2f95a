// Package review implements the Human Review Queue that stands between the
// trust engine's proposals and any actual change to an extension's trust
// tier or enablement. The engine (internal/evolution) only ever writes a
// PROPOSED decision; this package is the sole place a PROPOSED decision may
// become APPROVED, REJECTED, EXPIRED, or (after approval) EXECUTED.
package review

import "time"

// DefaultTTL is how long a PROPOSED decision stays open for review before
// CheckExpiry transitions it to EXPIRED.
const DefaultTTL = 24 * time.Hour
