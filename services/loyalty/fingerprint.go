package loyalty

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"loyalty-engine/services/trigger"
)

// Fingerprint derives the deduplication key of a (user, trigger, event)
// tuple: hex SHA-256 over quoted key=value pairs sorted by key.
func Fingerprint(userID, triggerID string, eventType trigger.EventType, sourceID string, originalEventDate time.Time) string {
	fields := map[string]string{
		"userId":            userID,
		"triggerId":         triggerID,
		"eventType":         string(eventType),
		"sourceId":          sourceID,
		"originalEventDate": originalEventDate.UTC().Format(time.RFC3339Nano),
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strconv.Quote(fields[k]))
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
