// Package identity resolves user ids to display information used for
// prompt personalization. The assistant core only ever needs a name and
// a contact address; authentication and session issuance live elsewhere.
package identity

import "context"

// Identity holds the display facts for one user.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email,omitempty"`
}

// Provider looks up identity facts. Implementations may be backed by a
// local directory, an SSO system, or a static map in tests.
type Provider interface {
	Lookup(ctx context.Context, userID string) (*Identity, error)
}
