// Package expand derives the 1st- and 2nd-degree connection sets of an identity.
package expand

import (
	"context"
	"fmt"
	"sort"

	"github.com/unipass/backend/internal/domain"
)

const (
	DegreeFirst  = "1st"
	DegreeSecond = "2nd"
)

// ProfileFetcher batch-loads profiles, omitting missing ones.
type ProfileFetcher interface {
	FetchProfiles(ctx context.Context, identities []string) ([]domain.Profile, error)
}

// Network is the result of one expansion. Both slices are sorted by identity.
type Network struct {
	First  []domain.Profile `json:"first"`
	Second []domain.Profile `json:"second"`
}

// Degree labels id relative to the expanded identity, or "" when unrelated.
func (n Network) Degree(id string) string {
	id = domain.NormalizeIdentity(id)
	for _, p := range n.First {
		if p.Identity == id {
			return DegreeFirst
		}
	}
	for _, p := range n.Second {
		if p.Identity == id {
			return DegreeSecond
		}
	}
	return ""
}

// Identities returns every identity in the network, first degree first.
func (n Network) Identities() []string {
	out := make([]string, 0, len(n.First)+len(n.Second))
	for _, p := range n.First {
		out = append(out, p.Identity)
	}
	for _, p := range n.Second {
		out = append(out, p.Identity)
	}
	return out
}

// Expander recomputes the network from scratch on each call.
type Expander struct {
	fetcher ProfileFetcher
}

// New returns an Expander reading through fetcher.
func New(fetcher ProfileFetcher) *Expander {
	return &Expander{fetcher: fetcher}
}

// Compute fetches the 1st-degree profiles, then the 2nd-degree candidates
// derived from them. The second fetch depends on the first and always runs after it.
func (e *Expander) Compute(ctx context.Context, self string, friends []string) (Network, error) {
	self = domain.NormalizeIdentity(self)

	firstIDs := make(map[string]struct{}, len(friends))
	var request []string
	for _, f := range friends {
		f = domain.NormalizeIdentity(f)
		if f == "" || f == self {
			continue
		}
		if _, ok := firstIDs[f]; ok {
			continue
		}
		firstIDs[f] = struct{}{}
		request = append(request, f)
	}

	first, err := e.fetcher.FetchProfiles(ctx, request)
	if err != nil {
		return Network{}, fmt.Errorf("fetch 1st degree: %w", err)
	}
	sortProfiles(first)

	candidates := make(map[string]struct{})
	for _, p := range first {
		for _, f := range p.Friends {
			f = domain.NormalizeIdentity(f)
			if f == "" || f == self {
				continue
			}
			if _, ok := firstIDs[f]; ok {
				continue
			}
			candidates[f] = struct{}{}
		}
	}

	net := Network{First: first}
	if len(candidates) == 0 {
		return net, nil
	}

	secondIDs := make([]string, 0, len(candidates))
	for id := range candidates {
		secondIDs = append(secondIDs, id)
	}
	sort.Strings(secondIDs)

	second, err := e.fetcher.FetchProfiles(ctx, secondIDs)
	if err != nil {
		return Network{}, fmt.Errorf("fetch 2nd degree: %w", err)
	}
	sortProfiles(second)
	net.Second = second
	return net, nil
}

func sortProfiles(ps []domain.Profile) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].Identity < ps[j].Identity })
}
