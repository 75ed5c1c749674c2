// internal/realtime/token_test.go
package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintTokenRoundTrip(t *testing.T) {
	for _, role := range []string{RoleAnon, RoleServiceRole} {
		tok, err := MintToken(testSecret, role, 0)
		require.NoError(t, err)

		got, err := ParseRole(testSecret, tok)
		require.NoError(t, err)
		assert.Equal(t, role, got)
	}
}

func TestMintTokenErrors(t *testing.T) {
	_, err := MintToken(testSecret, "admin", 0)
	assert.ErrorIs(t, err, ErrInvalidRole)

	_, err = MintToken("", RoleAnon, 0)
	assert.Error(t, err)
}

func TestParseRoleRejects(t *testing.T) {
	tok, err := MintToken(testSecret, RoleAnon, 0)
	require.NoError(t, err)

	_, err = ParseRole("wrong-secret", tok)
	assert.Error(t, err)

	expired, err := MintToken(testSecret, RoleAnon, -time.Minute)
	require.NoError(t, err)
	_, err = ParseRole(testSecret, expired)
	assert.NoError(t, err, "negative ttl means no expiry")

	short, err := MintToken(testSecret, RoleAnon, time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)
	_, err = ParseRole(testSecret, short)
	assert.Error(t, err, "expired token")
}
