// Package occupancy derives slot occupancy from the latest proximity,
// temperature and humidity readings.
//
// Reduce and EvaluateAlert are pure. Tracker is the single mutable
// cell holding the latest value of each signal; every source (broker
// session, MQTT bridge, snapshot poller) writes into it and every write
// re-runs Reduce over the whole state.
package occupancy

import "fmt"

// OccupiedBelow is the proximity reading under which a slot counts as
// occupied. A reading equal to it is empty.
const OccupiedBelow = 39.0

// AlertBelow is the coarser threshold used by the shelf alert computed
// on each snapshot poll. It drives a separate indicator and is tuned
// independently of OccupiedBelow.
const AlertBelow = 50.0

// FarReading is the proximity value assumed when a snapshot omits a
// sensor: far away, so the slot reads as empty.
const FarReading = 100.0

// Signal identifies one of the four tracked readings.
type Signal int

// Tracked signals.
const (
	Proximity1 Signal = iota
	Proximity2
	Temperature
	Humidity
)

// Signals lists every Signal in declaration order.
var Signals = []Signal{Proximity1, Proximity2, Temperature, Humidity}

func (s Signal) String() string {
	switch s {
	case Proximity1:
		return "proximity1"
	case Proximity2:
		return "proximity2"
	case Temperature:
		return "temperature"
	case Humidity:
		return "humidity"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// SignalState holds the most recent value of each signal. A nil field
// has never been observed.
type SignalState struct {
	Proximity1  *float64 `json:"proximity1"`
	Proximity2  *float64 `json:"proximity2"`
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
}

// Get returns the value of s and whether it is known.
func (st SignalState) Get(s Signal) (float64, bool) {
	p := st.field(s)
	if p == nil || *p == nil {
		return 0, false
	}
	return **p, true
}

// With returns a copy of st with s set to v.
func (st SignalState) With(s Signal, v float64) SignalState {
	if p := st.field(s); p != nil {
		*p = &v
	}
	return st
}

func (st *SignalState) field(s Signal) **float64 {
	switch s {
	case Proximity1:
		return &st.Proximity1
	case Proximity2:
		return &st.Proximity2
	case Temperature:
		return &st.Temperature
	case Humidity:
		return &st.Humidity
	}
	return nil
}

// Result is the reducer output handed to the presentation layer.
type Result struct {
	Slot1Occupied bool     `json:"slot1_occupied"`
	Slot2Occupied bool     `json:"slot2_occupied"`
	Temperature   *float64 `json:"temperature"`
	Humidity      *float64 `json:"humidity"`
}

// Equal compares results by value, including the pointed-to readings.
func (r Result) Equal(o Result) bool {
	return r.Slot1Occupied == o.Slot1Occupied &&
		r.Slot2Occupied == o.Slot2Occupied &&
		floatPtrEqual(r.Temperature, o.Temperature) &&
		floatPtrEqual(r.Humidity, o.Humidity)
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Reduce derives the occupancy result from st. Unknown proximity
// readings count as empty; temperature and humidity pass through.
func Reduce(st SignalState) Result {
	return Result{
		Slot1Occupied: st.Proximity1 != nil && *st.Proximity1 < OccupiedBelow,
		Slot2Occupied: st.Proximity2 != nil && *st.Proximity2 < OccupiedBelow,
		Temperature:   copyFloat(st.Temperature),
		Humidity:      copyFloat(st.Humidity),
	}
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Alert is the coarse shelf status produced by each snapshot poll.
type Alert struct {
	Slot1      bool    `json:"slot1"`
	Slot2      bool    `json:"slot2"`
	Proximity1 float64 `json:"proximity1"`
	Proximity2 float64 `json:"proximity2"`
}

// Any reports whether either slot is under the alert threshold.
func (a Alert) Any() bool {
	return a.Slot1 || a.Slot2
}

// EvaluateAlert applies AlertBelow to a pair of proximity readings.
func EvaluateAlert(p1, p2 float64) Alert {
	return Alert{
		Slot1:      p1 < AlertBelow,
		Slot2:      p2 < AlertBelow,
		Proximity1: p1,
		Proximity2: p2,
	}
}
