package patterns

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint derives the store's lookup key from a normalized failure
// signal. The signal lines must already be stripped of build-specific tokens
// so identical failures across builds hash identically.
func Fingerprint(signal []string) string {
	if len(signal) == 0 {
		return ""
	}
	sum := xxhash.Sum64String(strings.Join(signal, "\n"))
	return fmt.Sprintf("%016x", sum)
}
