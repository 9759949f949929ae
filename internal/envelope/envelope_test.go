package envelope

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func TestNewEnvelope(t *testing.T) {
	expires := time.Now().Add(30 * time.Second)
	env, err := New("cth://alice/agent", []string{"cth://bob/agent"}, "cth:///schema/echo", expires, map[string]string{"greeting": "hello"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if env.ID == "" {
		t.Error("envelope should get a generated ID")
	}
	if env.Sender != "cth://alice/agent" {
		t.Errorf("unexpected sender: %s", env.Sender)
	}
	if !env.Expires.Equal(expires.UTC()) {
		t.Errorf("expiry not normalized to UTC: %v", env.Expires)
	}
	if err := env.Validate(); err != nil {
		t.Errorf("fresh envelope should validate: %v", err)
	}

	var body map[string]string
	if err := env.UnmarshalData(&body); err != nil {
		t.Fatalf("UnmarshalData failed: %v", err)
	}
	if body["greeting"] != "hello" {
		t.Errorf("payload did not round-trip: %v", body)
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	expires := time.Now().Add(time.Minute)

	cases := []struct {
		name  string
		env   Envelope
		field string
	}{
		{"missing id", Envelope{Targets: []string{"cth://a/b"}, MessageType: "t", Expires: expires}, "id"},
		{"missing targets", Envelope{ID: "x", MessageType: "t", Expires: expires}, "targets"},
		{"empty target", Envelope{ID: "x", Targets: []string{""}, MessageType: "t", Expires: expires}, "targets"},
		{"missing type", Envelope{ID: "x", Targets: []string{"cth://a/b"}, Expires: expires}, "message_type"},
		{"missing expiry", Envelope{ID: "x", Targets: []string{"cth://a/b"}, MessageType: "t"}, "expires"},
	}

	for _, tc := range cases {
		err := tc.env.Validate()
		if err == nil {
			t.Errorf("%s: expected validation error", tc.name)
			continue
		}
		verr, ok := err.(*ValidationError)
		if !ok {
			t.Errorf("%s: expected *ValidationError, got %T", tc.name, err)
			continue
		}
		if verr.Field != tc.field {
			t.Errorf("%s: expected field %s, got %s", tc.name, tc.field, verr.Field)
		}
	}
}

func TestAddHopIsAppendOnly(t *testing.T) {
	env := &Envelope{ID: "x"}

	env.AddHop("accept-to-queue")
	env.AddHop("deliver")

	if len(env.Hops) != 2 {
		t.Fatalf("expected 2 hops, got %d", len(env.Hops))
	}
	if env.Hops[0].Stage != "accept-to-queue" || env.Hops[1].Stage != "deliver" {
		t.Errorf("hops out of order: %+v", env.Hops)
	}
	if env.Hops[0].Timestamp.IsZero() {
		t.Error("hop timestamp should be set")
	}
}

func TestIsExpired(t *testing.T) {
	env := &Envelope{Expires: time.Now().Add(time.Second)}
	if env.IsExpired(time.Now()) {
		t.Error("envelope should not be expired before its expiry")
	}
	if !env.IsExpired(env.Expires.Add(time.Millisecond)) {
		t.Error("envelope should be expired after its expiry")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	env, err := New("cth://alice/agent", []string{"cth://*/agent"}, "cth:///schema/echo", time.Now().Add(time.Minute), "payload")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	env.AddHop("accept-to-queue")

	clone := env.Clone()
	clone.Target = "cth://bob/agent"
	clone.AddHop("deliver")
	clone.Targets[0] = "changed"

	if env.Target != "" {
		t.Error("clone mutation leaked into original Target")
	}
	if len(env.Hops) != 1 {
		t.Errorf("clone hop leaked into original: %+v", env.Hops)
	}
	if env.Targets[0] != "cth://*/agent" {
		t.Error("clone target slice shares backing array with original")
	}
}

func TestWireRoundTrip(t *testing.T) {
	env, err := New("cth://alice/agent", []string{"cth://bob/agent", "cth://*/controller"}, "cth:///schema/echo", time.Now().Add(time.Minute), map[string]int{"n": 42})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	env.DestinationReport = true
	env.AddHop("accept-to-queue")
	env.Target = "cth://bob/agent"

	wire, err := env.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON failed: %v", err)
	}

	decoded, err := FromJSON(wire)
	if err != nil {
		t.Fatalf("FromJSON failed: %v", err)
	}

	if !reflect.DeepEqual(env, decoded) {
		t.Errorf("round trip mismatch:\n sent %+v\n got  %+v", env, decoded)
	}
}

func TestFromJSONRejectsGarbage(t *testing.T) {
	if _, err := FromJSON([]byte("{not json")); err == nil {
		t.Error("expected decode error")
	}
}

func TestInternalTargetOmittedWhenEmpty(t *testing.T) {
	env, err := New("cth://alice/agent", []string{"cth://bob/agent"}, "cth:///schema/echo", time.Now().Add(time.Minute), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	wire, err := env.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON failed: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(wire, &raw); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if _, present := raw["_target"]; present {
		t.Error("_target should be omitted until the broker expands targets")
	}
}
