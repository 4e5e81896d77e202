/**
 * @description
 * The static action-cost policy consulted by the deduction gate. The table is
 * built once at boot from deployment configuration and is read-only at
 * runtime; changing a price is a redeploy, not an API call.
 *
 * Unlisted actions default to a cost of zero, which makes the charge succeed
 * without touching the ledger (fail-open, matching the observed product
 * behavior for experimental free features). Deployments that prefer to reject
 * unknown actions can set POLICY_FAIL_CLOSED.
 */

package app

// Policy maps metered action names to their cost in credits.
type Policy struct {
	costs      map[string]int64
	failClosed bool
}

// NewPolicy copies the given cost table into a read-only policy.
func NewPolicy(costs map[string]int64, failClosed bool) *Policy {
	table := make(map[string]int64, len(costs))
	for action, cost := range costs {
		if cost < 0 {
			cost = 0
		}
		table[action] = cost
	}
	return &Policy{costs: table, failClosed: failClosed}
}

// Cost returns the credit cost for an action and whether the action is listed.
// Unlisted actions report cost 0.
func (p *Policy) Cost(action string) (int64, bool) {
	cost, ok := p.costs[action]
	return cost, ok
}

// FailClosed reports whether unknown actions must be rejected instead of
// passing through for free.
func (p *Policy) FailClosed() bool {
	return p.failClosed
}

// Actions returns the listed action names, for diagnostics.
func (p *Policy) Actions() []string {
	actions := make([]string, 0, len(p.costs))
	for action := range p.costs {
		actions = append(actions, action)
	}
	return actions
}
