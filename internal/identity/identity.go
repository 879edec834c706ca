// Package identity is the boundary to the external identity/profile
// provider. The sync core only needs a user's id, display name, and avatar,
// plus a stable display color per user.
package identity

import "hash/fnv"

// Profile describes one user as shown in presence and highlight labels.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty"`
}

// Provider supplies the current user's profile and the profiles of project
// members.
type Provider interface {
	Self() Profile
	Member(userID string) (Profile, bool)
}

// StaticProvider serves profiles from a fixed map. The relay and tests use
// it; production wires the hosted identity service behind the same interface.
type StaticProvider struct {
	SelfProfile Profile
	Members     map[string]Profile
}

func (p *StaticProvider) Self() Profile { return p.SelfProfile }

func (p *StaticProvider) Member(userID string) (Profile, bool) {
	m, ok := p.Members[userID]
	return m, ok
}

// palette is the fixed set of presence colors. Assignment must be
// deterministic so every client renders the same user in the same color.
var palette = []string{
	"#e06c75",
	"#d19a66",
	"#e5c07b",
	"#98c379",
	"#56b6c2",
	"#61afef",
	"#c678dd",
	"#be5046",
}

// ColorFor returns the display color for a user, stable across sessions and
// clients.
func ColorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}
