// Package filter evaluates subscription filters against records. The same
// evaluation is shared by the polling resolver, the push fanout and the
// webhook dispatcher so the three delivery paths never disagree on membership.
package filter

import "datapulse/internal/models"

// Matches reports whether the record satisfies every present predicate of the
// spec. It is pure: no side effects, no error outcomes. Zero-valued predicate
// fields are treated as absent.
func Matches(rec models.Record, spec models.FilterSpec) bool {
	if spec.Kind != "" && rec.Kind != spec.Kind {
		return false
	}
	if spec.Symbol != "" && rec.Symbol != spec.Symbol {
		return false
	}
	if spec.StrategyID != "" && rec.StrategyID != spec.StrategyID {
		return false
	}
	if len(spec.Tags) > 0 && !subset(spec.Tags, rec.Tags) {
		return false
	}
	return true
}

func subset(want, have []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if w == h {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
