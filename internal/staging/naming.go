package staging

import (
	"fmt"
	"strings"
	"time"
)

// Naming conventions. External tooling scans the destination directory for
// these exact strings, so they must not change.
const (
	StagingPrefix   = ".backup"
	StagingSuffix   = ".tmp"
	FinalPrefix     = "signal-"
	FinalSuffix     = ".backup"
	TimestampLayout = "2006-01-02-15-04-05"
)

// IsStagingName reports whether name marks a transient staging artifact.
func IsStagingName(name string) bool {
	return len(name) >= len(StagingPrefix)+len(StagingSuffix) &&
		strings.HasPrefix(name, StagingPrefix) &&
		strings.HasSuffix(name, StagingSuffix)
}

// StagingName builds a staging name around token.
func StagingName(token string) string {
	return StagingPrefix + token + StagingSuffix
}

// FinalName derives the permanent backup name for t, in local time.
func FinalName(t time.Time) string {
	return fmt.Sprintf("%s%s%s", FinalPrefix, t.In(time.Local).Format(TimestampLayout), FinalSuffix)
}

// ParseFinalName extracts the timestamp embedded in a final name.
func ParseFinalName(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, FinalPrefix) || !strings.HasSuffix(name, FinalSuffix) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, FinalPrefix), FinalSuffix)
	t, err := time.ParseInLocation(TimestampLayout, stamp, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// IsFinalName reports whether name follows the permanent naming scheme.
func IsFinalName(name string) bool {
	_, ok := ParseFinalName(name)
	return ok
}
