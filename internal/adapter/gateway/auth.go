package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"

	"guardian-ai/internal/domain"
)

// permission is what an RPC method requires of the caller.
type permission string

const (
	permRead    permission = "read"
	permCapture permission = "capture"
	permAdmin   permission = "admin"
)

var rolePerms = map[string][]permission{
	"admin":   {permRead, permCapture, permAdmin},
	"capture": {permRead, permCapture},
	"viewer":  {permRead},
}

// ClientInfo identifies an authenticated gateway client.
type ClientInfo struct {
	Name  string
	Roles []string
}

// can reports whether the client holds perm. A client without roles is the
// device owner.
func (c *ClientInfo) can(perm permission) bool {
	if len(c.Roles) == 0 {
		return true
	}
	for _, r := range c.Roles {
		for _, p := range rolePerms[strings.ToLower(r)] {
			if p == perm {
				return true
			}
		}
	}
	return false
}

// Authenticator validates incoming gateway connections.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

// TokenEntry binds a static token to a client identity.
type TokenEntry struct {
	Token string
	Name  string
	Roles []string
}

// StaticTokenAuth checks tokens against a fixed table. Tokens are kept as
// SHA-256 digests and compared in constant time.
type StaticTokenAuth struct {
	digests [][sha256.Size]byte
	clients []ClientInfo
}

// NewStaticTokenAuth builds the token table. Empty and repeated tokens are
// rejected.
func NewStaticTokenAuth(entries []TokenEntry) (*StaticTokenAuth, error) {
	a := &StaticTokenAuth{}
	seen := make(map[[sha256.Size]byte]bool, len(entries))
	for i, e := range entries {
		if e.Token == "" {
			return nil, fmt.Errorf("gateway token %d (%s): empty token", i, e.Name)
		}
		d := sha256.Sum256([]byte(e.Token))
		if seen[d] {
			return nil, fmt.Errorf("gateway token %d (%s): duplicate token", i, e.Name)
		}
		seen[d] = true
		a.digests = append(a.digests, d)
		a.clients = append(a.clients, ClientInfo{Name: e.Name, Roles: append([]string(nil), e.Roles...)})
	}
	return a, nil
}

// Authenticate returns a copy of the client bound to token.
func (a *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	d := sha256.Sum256([]byte(token))
	match := -1
	for i := range a.digests {
		if subtle.ConstantTimeCompare(d[:], a.digests[i][:]) == 1 {
			match = i
		}
	}
	if match < 0 {
		return nil, domain.ErrGatewayAuthFailed
	}
	c := a.clients[match]
	c.Roles = append([]string(nil), c.Roles...)
	return &c, nil
}

// LocalAuth treats every caller as the device owner. Pair it with
// loopback-only listening.
type LocalAuth struct{}

// Authenticate implements Authenticator.
func (LocalAuth) Authenticate(string) (*ClientInfo, error) {
	return &ClientInfo{Name: "local"}, nil
}
