// Vigil - Behavioral Anomaly Detection Engine
// Copyright 2026 Vigil Security Project
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package detection

// actionOrder fixes the canonical ordering of response actions, from least
// to most intrusive. Anomaly action lists are always emitted in this order
// so identical findings serialize identically.
var actionOrder = []ResponseAction{
	ActionLogOnly,
	ActionNotifyAdmin,
	ActionRateLimit,
	ActionRequireMFA,
	ActionLockAccount,
	ActionRevokeSession,
	ActionBlockIP,
}

// actionSet accumulates recommended actions across detector checks.
type actionSet struct {
	members map[ResponseAction]bool
}

func newActionSet(actions ...ResponseAction) *actionSet {
	s := &actionSet{members: make(map[ResponseAction]bool)}
	s.add(actions...)
	return s
}

func (s *actionSet) add(actions ...ResponseAction) {
	for _, a := range actions {
		s.members[a] = true
	}
}

// ordered returns the set members in canonical order.
func (s *actionSet) ordered() []ResponseAction {
	out := make([]ResponseAction, 0, len(s.members))
	for _, a := range actionOrder {
		if s.members[a] {
			out = append(out, a)
		}
	}
	return out
}
