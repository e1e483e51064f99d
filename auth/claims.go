package auth

import "github.com/golang-jwt/jwt/v5"

// Claims is the JWT payload this service trusts once signature and expiry
// checks pass. It embeds jwt.RegisteredClaims for standard fields (exp, iat)
// and carries the tenant-scoped fields the Token Gate (C2) extracts.
type Claims struct {
	jwt.RegisteredClaims
	Requestor string   `json:"requestor"`
	Tenant    string   `json:"tenant,omitempty"`
	Groups    []string `json:"groups,omitempty"`
}

// HasGroup reports whether name appears in the claim's groups list.
func (c *Claims) HasGroup(name string) bool {
	for _, g := range c.Groups {
		if g == name {
			return true
		}
	}
	return false
}
