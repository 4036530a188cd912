package rediskey

import (
	"fmt"
	"strings"
)

// Key prefixes shared by every process touching the loyalty keyspace.
const (
	LoyaltyPrefix  = "loyalty"
	UserLockPrefix = "loyalty:lock:user"

	// TriggerInvalidationChannel carries organization IDs whose trigger sets changed.
	TriggerInvalidationChannel = "loyalty:triggers:invalidate"
)

func NamespaceKey(namespace string, parts ...string) string {
	return fmt.Sprintf("%s:%s", namespace, strings.Join(parts, ":"))
}

// BuildUserLockKey returns "loyalty:lock:user:{organizationID}:{userID}"
func BuildUserLockKey(organizationID, userID string) string {
	return NamespaceKey(UserLockPrefix, organizationID, userID)
}
