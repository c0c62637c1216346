package model

import "testing"

func TestRequestIDSequenceWrapsToOne(t *testing.T) {
	var seq RequestIDSequence
	seq.current = 32766

	if got := seq.Next(); got != 32767 {
		t.Fatalf("expected 32767, got %d", got)
	}
	if got := seq.Next(); got != 1 {
		t.Fatalf("expected wrap to 1, got %d", got)
	}
	if got := seq.Next(); got != 2 {
		t.Fatalf("expected 2 after wrap, got %d", got)
	}
}

func TestRequestIDSequenceEmitsEveryIDOnce(t *testing.T) {
	var seq RequestIDSequence
	seen := make(map[int]bool, 32767)
	for i := 0; i < 32767; i++ {
		id := seq.Next()
		if id < 1 || id > 32767 {
			t.Fatalf("id out of range: %d", id)
		}
		if seen[id] {
			t.Fatalf("id %d emitted twice within one cycle", id)
		}
		seen[id] = true
	}
	if len(seen) != 32767 {
		t.Fatalf("expected 32767 distinct ids, got %d", len(seen))
	}
}

func TestCoerceJSONValue(t *testing.T) {
	cases := []struct {
		name string
		in   interface{}
		want interface{}
	}{
		{"empty string becomes nil", "", nil},
		{"string passes through", "hello", "hello"},
		{"integral float stringified", float64(42), "42"},
		{"fractional float stringified", float64(29.75), "29.75"},
		{"map re-serialized", map[string]interface{}{"a": float64(1)}, `{"a":1}`},
		{"list re-serialized", []interface{}{"a", float64(1)}, `["a",1]`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := CoerceJSONValue(c.in)
			if got != c.want {
				t.Fatalf("got %#v, want %#v", got, c.want)
			}
		})
	}

	t.Run("unknown shape yields diagnostic", func(t *testing.T) {
		got, ok := CoerceJSONValue(true).(map[string]string)
		if !ok || got["type"] != "bool" {
			t.Fatalf("expected bool diagnostic, got %#v", got)
		}
	})
}

func TestObservationPayloadWithUnifiedFormat(t *testing.T) {
	o := ObservationPayload{
		Path:     "/3303/0/5700",
		Ep:       "d1",
		Value:    "29.75",
		CoapVerb: VerbGET,
	}
	u := o.WithUnifiedFormat()
	if u.ResourceID != "3303/0/5700" {
		t.Fatalf("resourceId = %q", u.ResourceID)
	}
	if u.DeviceID != "d1" {
		t.Fatalf("deviceId = %q", u.DeviceID)
	}
	if u.Method != "GET" {
		t.Fatalf("method = %q", u.Method)
	}
	if u.Payload == "" {
		t.Fatal("payload must be populated")
	}
}
