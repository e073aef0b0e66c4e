package testutil

import (
	"strings"

	"github.com/google/uuid"
)

// RandomID returns prefix followed by a short random suffix. Tests sharing a
// database use it to keep recipients and dedupe keys apart.
func RandomID(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if prefix == "" {
		return suffix
	}
	return prefix + "-" + suffix
}

// RandomEmail returns a unique address on the example.com domain.
func RandomEmail() string {
	return RandomID("user") + "@example.com"
}
