package tool

import (
	"strings"

	"github.com/google/uuid"
)

func GenerateRandomUUID() string {
	return uuid.New().String()
}

// GenerateServiceName returns a stable-looking instance name for DNS-SD announcements.
// 12 hex chars keeps the name well below the 63 byte label limit.
func GenerateServiceName() string {
	return strings.ReplaceAll(GenerateRandomUUID(), "-", "")[:12]
}
