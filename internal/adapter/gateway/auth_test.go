package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardian-ai/internal/domain"
)

func mustStaticAuth(t *testing.T, entries ...TokenEntry) *StaticTokenAuth {
	t.Helper()
	auth, err := NewStaticTokenAuth(entries)
	require.NoError(t, err)
	return auth
}

func TestStaticTokenAuthValid(t *testing.T) {
	auth := mustStaticAuth(t, TokenEntry{Token: "secret-123", Name: "desktop", Roles: []string{"admin"}})

	info, err := auth.Authenticate("secret-123")
	require.NoError(t, err)
	assert.Equal(t, "desktop", info.Name)
	assert.Equal(t, []string{"admin"}, info.Roles)
}

func TestStaticTokenAuthInvalid(t *testing.T) {
	auth := mustStaticAuth(t, TokenEntry{Token: "secret-123", Name: "desktop"})

	for _, tok := range []string{"wrong-token", "", "secret-12", "secret-1234"} {
		_, err := auth.Authenticate(tok)
		assert.ErrorIs(t, err, domain.ErrGatewayAuthFailed, tok)
		assert.ErrorIs(t, err, domain.ErrAuthInvalid, tok)
	}
}

func TestStaticTokenAuthRejectsBadTable(t *testing.T) {
	_, err := NewStaticTokenAuth([]TokenEntry{{Token: "", Name: "blank"}})
	assert.Error(t, err)

	_, err = NewStaticTokenAuth([]TokenEntry{{Token: "a", Name: "one"}, {Token: "a", Name: "two"}})
	assert.ErrorContains(t, err, "duplicate")
}

func TestStaticTokenAuthReturnsCopy(t *testing.T) {
	auth := mustStaticAuth(t, TokenEntry{Token: "t", Name: "phone", Roles: []string{"viewer"}})

	a, err := auth.Authenticate("t")
	require.NoError(t, err)
	a.Name = "changed"
	a.Roles[0] = "admin"

	b, err := auth.Authenticate("t")
	require.NoError(t, err)
	assert.Equal(t, "phone", b.Name)
	assert.Equal(t, []string{"viewer"}, b.Roles)
}

func TestLocalAuth(t *testing.T) {
	info, err := LocalAuth{}.Authenticate("")
	require.NoError(t, err)
	assert.Equal(t, "local", info.Name)
	assert.True(t, info.can(permAdmin))
}

func TestClientPermissions(t *testing.T) {
	tests := []struct {
		roles []string
		perm  permission
		want  bool
	}{
		{nil, permAdmin, true},
		{[]string{"admin"}, permAdmin, true},
		{[]string{"Capture"}, permCapture, true},
		{[]string{"capture"}, permAdmin, false},
		{[]string{"viewer"}, permRead, true},
		{[]string{"viewer"}, permCapture, false},
		{[]string{"unknown"}, permRead, false},
		{[]string{"viewer", "capture"}, permCapture, true},
	}
	for _, tt := range tests {
		c := &ClientInfo{Roles: tt.roles}
		assert.Equal(t, tt.want, c.can(tt.perm), "%v %s", tt.roles, tt.perm)
	}
}
