// Package routing decides which downstream targets an evidence envelope goes to.
package routing

import (
	"docketline/internal/domain"
)

// Resolve returns the deduplicated union of target lists across every active policy
// matching the envelope's (visibility scope, status) pair. Policies are unioned, never
// intersected, so adding a policy can only widen distribution. An empty result is a
// valid no-op: the envelope simply has nowhere to go yet.
func Resolve(envelope domain.Envelope, policies []domain.RoutingPolicy) []string {
	seen := map[string]struct{}{}
	var targets []string
	for _, p := range policies {
		if !p.IsActive {
			continue
		}
		if p.VisibilityScope != envelope.VisibilityScope || p.EvidenceStatus != envelope.Status {
			continue
		}
		for _, target := range p.Targets {
			if target == "" {
				continue
			}
			if _, ok := seen[target]; ok {
				continue
			}
			seen[target] = struct{}{}
			targets = append(targets, target)
		}
	}
	return targets
}
