package app

import (
	"sort"
	"testing"
)

func TestPolicy_Cost(t *testing.T) {
	policy := NewPolicy(map[string]int64{
		"ai_text_block": 3,
		"site_export":   40,
		"legacy_free":   0,
		"broken_price":  -7,
	}, false)

	tests := []struct {
		name       string
		action     string
		wantCost   int64
		wantListed bool
	}{
		{name: "listed priced action", action: "ai_text_block", wantCost: 3, wantListed: true},
		{name: "listed expensive action", action: "site_export", wantCost: 40, wantListed: true},
		{name: "listed free action", action: "legacy_free", wantCost: 0, wantListed: true},
		{name: "negative price clamps to zero", action: "broken_price", wantCost: 0, wantListed: true},
		{name: "unlisted action", action: "unheard_of", wantCost: 0, wantListed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cost, listed := policy.Cost(tt.action)
			if cost != tt.wantCost || listed != tt.wantListed {
				t.Fatalf("expected cost=%d listed=%t, got cost=%d listed=%t", tt.wantCost, tt.wantListed, cost, listed)
			}
		})
	}
}

func TestPolicy_CopiesInputTable(t *testing.T) {
	costs := map[string]int64{"ai_image": 8}
	policy := NewPolicy(costs, false)

	costs["ai_image"] = 999
	if cost, _ := policy.Cost("ai_image"); cost != 8 {
		t.Fatalf("expected policy to be immune to caller mutation, got %d", cost)
	}
}

func TestPolicy_Actions(t *testing.T) {
	policy := NewPolicy(map[string]int64{"b": 2, "a": 1}, true)
	if !policy.FailClosed() {
		t.Fatal("expected fail-closed policy")
	}
	actions := policy.Actions()
	sort.Strings(actions)
	if len(actions) != 2 || actions[0] != "a" || actions[1] != "b" {
		t.Fatalf("expected [a b], got %v", actions)
	}
}
