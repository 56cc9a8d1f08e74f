package models

// Principal is the pre-authorized identity resolved by the auth collaborator.
// The engine trusts it and only filters subscriptions and endpoints by
// ownership; it performs no authentication of its own.
type Principal struct {
	OwnerID      string
	Capabilities []string
}

func (p *Principal) Can(capability string) bool {
	for _, c := range p.Capabilities {
		if c == capability || c == "*" {
			return true
		}
	}
	return false
}

// Owns reports whether the principal owns the given resource owner id. An
// admin capability grants access across owners.
func (p *Principal) Owns(ownerID string) bool {
	return p.OwnerID == ownerID || p.Can("admin")
}
