package models

import (
	"encoding/json"
	"testing"
)

func TestIsRouted(t *testing.T) {
	routed := []string{TypeOffer, TypeAnswer, TypeIce, TypeCiphertext, TypeContactRequest, TypeContactResponse}
	for _, typ := range routed {
		if !IsRouted(typ) {
			t.Fatalf("%s should be routed", typ)
		}
	}
	notRouted := []string{TypeRegister, TypeLookup, TypePullQueue, TypePong, TypeRegistered, TypeQueued, TypeError, "bogus"}
	for _, typ := range notRouted {
		if IsRouted(typ) {
			t.Fatalf("%s should not be routed", typ)
		}
	}
}

func TestNormalizePeerCode(t *testing.T) {
	if got := NormalizePeerCode("  ab12-cd34 "); got != "AB12-CD34" {
		t.Fatalf("got %q", got)
	}
}

func TestValidIdentity(t *testing.T) {
	if ValidIdentity("") {
		t.Fatal("empty identity should be invalid")
	}
	if !ValidIdentity("AAAA-BBBB") {
		t.Fatal("peer code should be valid")
	}
	long := make([]byte, MaxIdentityLen+1)
	for i := range long {
		long[i] = 'A'
	}
	if ValidIdentity(string(long)) {
		t.Fatal("over-length identity should be invalid")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		Type:    TypeCiphertext,
		From:    "AAAA-BBBB",
		To:      "CCCC-DDDD",
		MsgID:   "m1",
		Payload: json.RawMessage(`{"k":"v"}`),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}

	var out Envelope
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if out.Type != env.Type || out.From != env.From || out.To != env.To || out.MsgID != env.MsgID {
		t.Fatalf("round trip mismatch: %+v", out)
	}
	if string(out.Payload) != `{"k":"v"}` {
		t.Fatalf("payload mismatch: %s", out.Payload)
	}
}

func TestOmittedFieldsStayOffTheWire(t *testing.T) {
	raw, err := json.Marshal(&Envelope{Type: TypePing})
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"type":"ping"}` {
		t.Fatalf("expected minimal frame, got %s", raw)
	}
}

func TestLookupResultEnvelope(t *testing.T) {
	env := LookupResultEnvelope("AAAA-BBBB", false)
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	// found=false must still be present, not omitted.
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	found, ok := out["found"].(bool)
	if !ok || found {
		t.Fatalf("expected found=false on the wire, got %s", raw)
	}
}
