// Package id generates identifiers for corral resources.
package id

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Request returns a request identifier of the form <unix-ms>-<8 hex chars>.
// Ids sort by creation time.
func Request(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + suffix
}

// Short returns n random hex characters (n is clamped to 1..32).
func Short(n int) string {
	if n < 1 {
		n = 1
	}
	if n > 32 {
		n = 32
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}
