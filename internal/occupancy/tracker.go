package occupancy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/shelfwatch/internal/config"
	"github.com/nugget/shelfwatch/internal/events"
)

// Source names recorded in Provenance.
const (
	SourceSocket = "socket"
	SourceMQTT   = "mqtt"
	SourcePoll   = "poll"
)

// Provenance records which source last wrote a signal. Seq is a
// tracker-wide counter incremented on every write; it orders writes as
// they were applied, not as they were observed by the sensors.
type Provenance struct {
	Source string    `json:"source"`
	Seq    uint64    `json:"seq"`
	At     time.Time `json:"at"`
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	// OnChange is called with every new Result that differs from the
	// previously delivered one. Calls are serialized and never deliver
	// an older Result after a newer one. Optional.
	OnChange func(Result)

	// Events receives an occupancy_changed event per delivery. Optional.
	Events *events.Bus

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Tracker is the shared SignalState cell. Writes from different
// sources are last-write-wins per field with no ordering between
// sources: a snapshot fetched before a socket update but applied after
// it overwrites the newer value. Provenance exposes which source won.
type Tracker struct {
	cfg TrackerConfig

	mu      sync.Mutex
	state   SignalState
	prov    map[Signal]Provenance
	seq     uint64
	last    *Result
	version uint64

	deliverMu sync.Mutex
	delivered uint64
}

// NewTracker creates a tracker with every signal unknown.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tracker{
		cfg:  cfg,
		prov: make(map[Signal]Provenance, len(Signals)),
	}
}

// Set records a single reading from source.
func (t *Tracker) Set(source string, s Signal, v float64) (Result, bool) {
	return t.Apply(source, map[Signal]float64{s: v})
}

// Apply records several readings from one source as a single update,
// re-runs Reduce, and notifies if the result changed. It returns the
// new result and whether it differs from the previous one.
func (t *Tracker) Apply(source string, values map[Signal]float64) (Result, bool) {
	u := t.Commit(source, values)
	u.Notify()
	return u.Result, u.Changed
}

// Update is a committed write whose change notification has not been
// delivered yet.
type Update struct {
	Result  Result
	Changed bool

	t       *Tracker
	source  string
	version uint64
}

// Commit records values like Apply but leaves the notification to the
// returned Update. Commit never calls back into the caller, so it may
// run under the caller's own locks; Notify must not.
func (t *Tracker) Commit(source string, values map[Signal]float64) Update {
	t.mu.Lock()
	if len(values) == 0 {
		res := Reduce(t.state)
		t.mu.Unlock()
		return Update{Result: res}
	}

	now := time.Now()
	for _, s := range Signals {
		v, ok := values[s]
		if !ok {
			continue
		}
		t.state = t.state.With(s, v)
		t.seq++
		t.prov[s] = Provenance{Source: source, Seq: t.seq, At: now}
	}

	res := Reduce(t.state)
	changed := t.last == nil || !res.Equal(*t.last)
	if changed {
		t.last = &res
		t.version++
	}
	version := t.version
	t.mu.Unlock()

	t.cfg.Logger.Log(context.Background(), config.LevelTrace, "signal state updated",
		"source", source,
		"fields", len(values),
		"changed", changed,
	)
	return Update{Result: res, Changed: changed, t: t, source: source, version: version}
}

// Notify delivers the change to OnChange. It does nothing for an
// unchanged or zero Update, or when a newer result was already
// delivered.
func (u Update) Notify() {
	if !u.Changed || u.t == nil {
		return
	}
	u.t.deliver(u.version, u.Result, u.source)
}

// deliver hands res to OnChange unless a newer version was already
// delivered by a concurrent writer.
func (t *Tracker) deliver(version uint64, res Result, source string) {
	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	if version <= t.delivered {
		t.cfg.Logger.Debug("skipping superseded occupancy result", "version", version, "delivered", t.delivered)
		return
	}
	t.delivered = version

	t.cfg.Logger.Debug("occupancy changed",
		"slot1_occupied", res.Slot1Occupied,
		"slot2_occupied", res.Slot2Occupied,
		"source", source,
	)
	t.cfg.Events.Emit(events.SourceTracker, events.KindOccupancyChanged, map[string]any{
		"slot1_occupied": res.Slot1Occupied,
		"slot2_occupied": res.Slot2Occupied,
		"source":         source,
	})
	if t.cfg.OnChange != nil {
		t.cfg.OnChange(res)
	}
}

// State returns a copy of the current signal state.
func (t *Tracker) State() SignalState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return SignalState{
		Proximity1:  copyFloat(t.state.Proximity1),
		Proximity2:  copyFloat(t.state.Proximity2),
		Temperature: copyFloat(t.state.Temperature),
		Humidity:    copyFloat(t.state.Humidity),
	}
}

// Result reduces the current state.
func (t *Tracker) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Reduce(t.state)
}

// Provenance returns the source of the last write to s, if any.
func (t *Tracker) Provenance(s Signal) (Provenance, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.prov[s]
	return p, ok
}
