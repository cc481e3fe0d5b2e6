package deployment

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// =============================================================================
// Resource Naming Functions
// =============================================================================

// ContainerName generates a container name for a service.
// Pattern: {serviceName}-{suffix}
//
// Example:
//
//	ContainerName("web", "lq2k3m9a1f2e") // returns "web-lq2k3m9a1f2e"
func ContainerName(serviceName, suffix string) string {
	return fmt.Sprintf("%s-%s", serviceName, suffix)
}

// NewNameSuffix returns a suffix made of the base36 millisecond timestamp
// followed by four random hex characters.
func NewNameSuffix(now time.Time) string {
	b := make([]byte, 2)
	_, _ = rand.Read(b)
	return strconv.FormatInt(now.UnixMilli(), 36) + hex.EncodeToString(b)
}
