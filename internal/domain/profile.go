package domain

import "strings"

// DefaultDisplayName is assigned to profiles created before onboarding.
const DefaultDisplayName = "Unnamed"

// AssetRef points at an encoded image held by the asset service.
type AssetRef struct {
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
}

// Profile is the public record owned by a single identity.
type Profile struct {
	Identity     string    `json:"identity"`
	DisplayName  string    `json:"displayName"`
	FieldOfStudy string    `json:"fieldOfStudy"`
	YearLabel    string    `json:"yearLabel"`
	Tags         []string  `json:"tags"`
	Bio          string    `json:"bio"`
	Hometown     string    `json:"hometown"`
	Friends      []string  `json:"friends"`
	Photo        *AssetRef `json:"photo,omitempty"`
	Version      int64     `json:"-"`
}

// NewProfile returns the placeholder profile created on first launch.
func NewProfile(identity string) Profile {
	return Profile{
		Identity:    NormalizeIdentity(identity),
		DisplayName: DefaultDisplayName,
		Tags:        []string{},
		Friends:     []string{},
	}
}

// SocialScore is derived from the friend count; it is never stored.
func (p Profile) SocialScore() int {
	return len(p.Friends)
}

// HasFriend reports whether id is in the friends set.
func (p Profile) HasFriend(id string) bool {
	id = NormalizeIdentity(id)
	for _, f := range p.Friends {
		if f == id {
			return true
		}
	}
	return false
}

// AddFriend appends id to the friends set. It returns false when id is the
// profile's own identity or already present.
func (p *Profile) AddFriend(id string) bool {
	id = NormalizeIdentity(id)
	if id == "" || id == p.Identity || p.HasFriend(id) {
		return false
	}
	p.Friends = append(p.Friends, id)
	return true
}

// Normalize enforces the set semantics of tags and friends and strips any
// self-reference from the friends set.
func (p *Profile) Normalize() {
	p.Identity = NormalizeIdentity(p.Identity)
	p.Tags = OrderedSet(p.Tags)

	friends := make([]string, 0, len(p.Friends))
	seen := make(map[string]struct{}, len(p.Friends))
	for _, f := range p.Friends {
		f = NormalizeIdentity(f)
		if f == "" || f == p.Identity {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		friends = append(friends, f)
	}
	p.Friends = friends
}

// Clone returns a deep copy.
func (p Profile) Clone() Profile {
	out := p
	out.Tags = append([]string(nil), p.Tags...)
	out.Friends = append([]string(nil), p.Friends...)
	if p.Photo != nil {
		photo := *p.Photo
		out.Photo = &photo
	}
	return out
}

// OrderedSet trims values and drops blanks and duplicates, keeping first-seen order.
func OrderedSet(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
