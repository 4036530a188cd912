package rediskey

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildUserLockKey(t *testing.T) {
	require.Equal(t, "loyalty:lock:user:org-1:user-9", BuildUserLockKey("org-1", "user-9"))
	require.Equal(t, "loyalty:a:b", NamespaceKey(LoyaltyPrefix, "a", "b"))
}
