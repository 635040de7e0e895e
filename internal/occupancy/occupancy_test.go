package occupancy

import (
	"encoding/json"
	"errors"
	"testing"
)

func f(v float64) *float64 { return &v }

func TestReduce_Thresholds(t *testing.T) {
	tests := []struct {
		name  string
		state SignalState
		slot1 bool
		slot2 bool
	}{
		{"all unknown", SignalState{}, false, false},
		{"at threshold is empty", SignalState{Proximity1: f(39)}, false, false},
		{"just under threshold", SignalState{Proximity1: f(38.999)}, true, false},
		{"far sentinel", SignalState{Proximity1: f(FarReading), Proximity2: f(FarReading)}, false, false},
		{"both present", SignalState{Proximity1: f(20), Proximity2: f(10)}, true, true},
		{"zero reads occupied", SignalState{Proximity2: f(0)}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Reduce(tt.state)
			if got.Slot1Occupied != tt.slot1 || got.Slot2Occupied != tt.slot2 {
				t.Errorf("Reduce() = {%v %v}, want {%v %v}", got.Slot1Occupied, got.Slot2Occupied, tt.slot1, tt.slot2)
			}
		})
	}
}

func TestReduce_PassesThroughClimate(t *testing.T) {
	st := SignalState{Temperature: f(4.5), Humidity: f(81)}
	got := Reduce(st)
	if got.Temperature == nil || *got.Temperature != 4.5 {
		t.Errorf("Temperature = %v, want 4.5", got.Temperature)
	}
	if got.Humidity == nil || *got.Humidity != 81 {
		t.Errorf("Humidity = %v, want 81", got.Humidity)
	}

	// The result must not alias the input.
	*st.Temperature = 99
	if *got.Temperature != 4.5 {
		t.Error("Result.Temperature aliases SignalState.Temperature")
	}
}

func TestReduce_Idempotent(t *testing.T) {
	st := SignalState{Proximity1: f(38), Proximity2: f(40), Temperature: f(3), Humidity: nil}
	a := Reduce(st)
	b := Reduce(st)
	if !a.Equal(b) {
		t.Errorf("Reduce not idempotent: %+v vs %+v", a, b)
	}
}

func TestResultEqual(t *testing.T) {
	a := Result{Slot1Occupied: true, Temperature: f(1)}
	if !a.Equal(Result{Slot1Occupied: true, Temperature: f(1)}) {
		t.Error("equal values should compare equal")
	}
	if a.Equal(Result{Slot1Occupied: true}) {
		t.Error("nil vs non-nil temperature should differ")
	}
	if a.Equal(Result{Slot1Occupied: true, Temperature: f(2)}) {
		t.Error("different temperature should differ")
	}
}

func TestEvaluateAlert(t *testing.T) {
	tests := []struct {
		p1, p2       float64
		slot1, slot2 bool
	}{
		{50, 50, false, false},
		{49.9, 50, true, false},
		{45, 10, true, true},
		{FarReading, FarReading, false, false},
	}
	for _, tt := range tests {
		got := EvaluateAlert(tt.p1, tt.p2)
		if got.Slot1 != tt.slot1 || got.Slot2 != tt.slot2 {
			t.Errorf("EvaluateAlert(%v, %v) = %+v, want slot1=%v slot2=%v", tt.p1, tt.p2, got, tt.slot1, tt.slot2)
		}
		if got.Any() != (tt.slot1 || tt.slot2) {
			t.Errorf("Any() = %v", got.Any())
		}
	}

	// 45 is an alert but not occupancy: the two tiers are independent.
	if Reduce(SignalState{Proximity1: f(45)}).Slot1Occupied {
		t.Error("45 should not be occupied at the 39 threshold")
	}
}

func TestSignalState_GetWith(t *testing.T) {
	var st SignalState
	if _, ok := st.Get(Humidity); ok {
		t.Fatal("zero state should report unknown")
	}
	st2 := st.With(Humidity, 55)
	if _, ok := st.Get(Humidity); ok {
		t.Error("With mutated the receiver")
	}
	if v, ok := st2.Get(Humidity); !ok || v != 55 {
		t.Errorf("Get(Humidity) = %v, %v", v, ok)
	}
	if Signal(9).String() != "signal(9)" {
		t.Errorf("String() = %q", Signal(9).String())
	}
}

func TestParseReading(t *testing.T) {
	tests := []struct {
		payload string
		want    float64
		wantErr bool
	}{
		{`{"value":20}`, 20, false},
		{`{"value":38.5,"unit":"cm"}`, 38.5, false},
		{`{"value":"12.25"}`, 12.25, false},
		{`17`, 17, false},
		{` "3.5" `, 3.5, false},
		{`{"value":null}`, 0, true},
		{`{"reading":1}`, 0, true},
		{`null`, 0, true},
		{``, 0, true},
		{`"abc"`, 0, true},
		{`true`, 0, true},
		{`{broken`, 0, true},
	}
	for _, tt := range tests {
		got, err := ParseReading(json.RawMessage(tt.payload))
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseReading(%s) err = %v, wantErr %v", tt.payload, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseReading(%s) = %v, want %v", tt.payload, got, tt.want)
		}
	}

	if _, err := ParseReading(json.RawMessage(`null`)); !errors.Is(err, ErrNoValue) {
		t.Errorf("null payload err = %v, want ErrNoValue", err)
	}
}
