package model

import "testing"

func TestParseTier(t *testing.T) {
	cases := []struct {
		in      string
		want    Tier
		wantErr bool
	}{
		{"basic", TierBasic, false},
		{"Standard", TierStandard, false},
		{"  full ", TierFull, false},
		{"premium", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := ParseTier(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseTier(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTier(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("ParseTier(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRailReference(t *testing.T) {
	if got := RailOnChain.Reference("0xabc"); got != "0xabc" {
		t.Errorf("onchain reference = %q", got)
	}
	if got := RailStripe.Reference("cs_test_123"); got != "stripe_cs_test_123" {
		t.Errorf("stripe reference = %q", got)
	}
	if got := RailCoinbase.Reference("charge-9"); got != "coinbase_charge-9" {
		t.Errorf("coinbase reference = %q", got)
	}

	// Normalization must be stable across retries.
	if RailStripe.Reference("cs_1") != RailStripe.Reference("cs_1") {
		t.Error("reference not deterministic")
	}
}

func TestRailWebhookDelivered(t *testing.T) {
	if RailOnChain.WebhookDelivered() {
		t.Error("onchain should not be webhook-delivered")
	}
	if !RailStripe.WebhookDelivered() || !RailCoinbase.WebhookDelivered() {
		t.Error("stripe and coinbase are webhook rails")
	}
}

func TestCompletedStages(t *testing.T) {
	r := &AnalysisResult{Stages: []StageResult{
		{Index: 1, Status: StageCompleted, Payload: "a"},
		{Index: 2, Status: StageCompleted, Payload: "b"},
		{Index: 3, Status: StageFailed},
		{Index: 4, Status: StagePending},
	}}
	if got := r.CompletedStages(); got != 2 {
		t.Errorf("CompletedStages = %d, want 2", got)
	}
}
