package configmodel

import "testing"

func sampleConfig() CopierConfig {
	return CopierConfig{
		Version: 1,
		Master:  MasterConfig{TerminalID: "m1", Account: "1001", Broker: "BrokerA"},
		Receivers: []ReceiverConfig{
			{
				ReceiverID:    "r1",
				AccountNumber: "2002",
				Broker:        "BrokerB",
				TerminalID:    "t1",
				RiskMode:      RiskModeLotMultiplier,
				RiskValue:     1.5,
				SymbolMappings: []SymbolMapping{
					{MasterSymbol: "EURUSD", ReceiverSymbol: "EURUSD.pro", Enabled: true},
				},
			},
		},
		DailyResetHourUTC: 0,
	}
}

func TestComputeHashDeterministic(t *testing.T) {
	c1, err := sampleConfig().WithHash()
	if err != nil {
		t.Fatalf("hash 1: %v", err)
	}
	c2, err := sampleConfig().WithHash()
	if err != nil {
		t.Fatalf("hash 2: %v", err)
	}
	if c1.ConfigHash != c2.ConfigHash {
		t.Fatalf("expected equal hashes for identical configs, got %s vs %s", c1.ConfigHash, c2.ConfigHash)
	}
	if len(c1.ConfigHash) != 16 {
		t.Fatalf("expected 16 hex chars, got %d (%s)", len(c1.ConfigHash), c1.ConfigHash)
	}
}

func TestComputeHashChangesWithContent(t *testing.T) {
	c1, _ := sampleConfig().WithHash()
	modified := sampleConfig()
	modified.Receivers[0].RiskValue = 2.0
	c2, _ := modified.WithHash()

	if c1.ConfigHash == c2.ConfigHash {
		t.Fatalf("expected different hashes for different configs")
	}
}
