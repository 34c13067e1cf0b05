package models

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"
)

func TestCanonicalizeJSONSortsKeys(t *testing.T) {
	canon, err := CanonicalizeJSON(json.RawMessage(`{"z":1, "a":[2,{"k":true,"b":null}]}`))
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if string(canon) != `{"a":[2,{"b":null,"k":true}],"z":1}` {
		t.Fatalf("unexpected canonical output: %s", canon)
	}
	if _, err := CanonicalizeJSON(json.RawMessage(`{"x":bad}`)); err == nil {
		t.Fatal("expected parse error for invalid json")
	}
}

func sealedChain(t *testing.T, n int) []Event {
	t.Helper()
	at := time.Date(2026, 3, 1, 9, 0, 0, 123456789, time.UTC)
	out := make([]Event, 0, n)
	prevSeq, prevHash := int64(0), ""
	for i := 0; i < n; i++ {
		evt := Event{
			EventID:    "evt-" + string(rune('a'+i)),
			Type:       EventRecoveryApproved,
			Actor:      "guardian-a",
			VaultID:    "vault-1",
			RecoveryID: 1,
			Payload:    json.RawMessage(`{"id":1,"approver":"guardian-a","approvals":2}`),
			CreatedAt:  at.Add(time.Duration(i) * time.Second),
		}
		if err := SealEvent(prevSeq, prevHash, &evt); err != nil {
			t.Fatalf("seal: %v", err)
		}
		prevSeq, prevHash = evt.Seq, evt.Hash
		out = append(out, evt)
	}
	return out
}

func TestSealEventChainsAndVerifies(t *testing.T) {
	events := sealedChain(t, 3)
	if events[0].Seq != 1 || events[0].PrevHash != GenesisHash {
		t.Fatalf("first event must start the chain: %+v", events[0])
	}
	if events[1].PrevHash != events[0].Hash {
		t.Fatal("second event must link to the first")
	}
	if events[0].CreatedAt.Nanosecond()%1000 != 0 {
		t.Fatal("created_at must be truncated to microseconds")
	}
	if err := VerifyChain("", events); err != nil {
		t.Fatalf("verify chain: %v", err)
	}
	if err := VerifyChain(events[0].Hash, events[1:]); err != nil {
		t.Fatalf("verify chain suffix: %v", err)
	}
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	events := sealedChain(t, 3)
	tampered := append([]Event(nil), events...)
	tampered[1].Actor = "mallory"
	if err := VerifyChain("", tampered); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken for tampered actor, got %v", err)
	}

	reordered := []Event{events[0], events[2]}
	if err := VerifyChain("", reordered); !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken for missing event, got %v", err)
	}
}

func TestEventHashIgnoresPayloadWhitespace(t *testing.T) {
	evt := Event{Seq: 1, EventID: "e", Type: EventVaultFrozen, PrevHash: GenesisHash, Payload: json.RawMessage(`{"b":1,"a":2}`)}
	h1, err := EventHash(evt)
	if err != nil {
		t.Fatal(err)
	}
	evt.Payload = json.RawMessage(`{ "a": 2, "b": 1 }`)
	h2, err := EventHash(evt)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatal("hash must not depend on payload key order or whitespace")
	}
}

func TestConfigJSONUsesSeconds(t *testing.T) {
	cfg := Config{Admin: "admin", RecoveryTimelock: 72 * time.Hour, EscrowRegistryRef: "reg-1"}
	raw, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	var wire map[string]any
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatal(err)
	}
	if wire["recovery_timelock_sec"] != float64(259200) {
		t.Fatalf("expected timelock seconds, got %v", wire["recovery_timelock_sec"])
	}
	var back Config
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if back != cfg {
		t.Fatalf("round trip mismatch: %+v vs %+v", back, cfg)
	}
}

func TestSecondsDuration(t *testing.T) {
	limit := int64(math.MaxInt64 / int64(time.Second))
	cases := []struct {
		sec  int64
		want time.Duration
		ok   bool
	}{
		{60, time.Minute, true},
		{0, 0, true},
		{-5, -5 * time.Second, true},
		{limit, time.Duration(limit) * time.Second, true},
		{limit + 1, 0, false},
		{18446744074, 0, false},
		{math.MinInt64, 0, false},
	}
	for _, tc := range cases {
		got, ok := SecondsDuration(tc.sec)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("SecondsDuration(%d) = %v, %v; want %v, %v", tc.sec, got, ok, tc.want, tc.ok)
		}
	}
}
