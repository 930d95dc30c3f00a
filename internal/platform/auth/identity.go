package auth

import "context"

type contextKey string

const identityKey contextKey = "identity"

// Identity is the authenticated caller.
type Identity struct {
	Subject   string
	PartyKind string
	PartyID   string
	Roles     []string
}

// IsAdmin reports whether the caller may act on behalf of any party.
func (i Identity) IsAdmin() bool {
	if i.PartyKind == KindAdmin {
		return true
	}
	for _, r := range i.Roles {
		if r == "admin" {
			return true
		}
	}
	return false
}

// Is reports whether the caller is the given party.
func (i Identity) Is(kind, id string) bool {
	return i.PartyKind == kind && i.PartyID == id && id != ""
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the caller, or the zero Identity when the
// request was not authenticated.
func IdentityFromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey).(Identity)
	return id
}
