package occupancy

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/shelfwatch/internal/events"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recorder struct {
	mu      sync.Mutex
	results []Result
}

func (r *recorder) onChange(res Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recorder) all() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}

func TestTracker_FirstWriteNotifies(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker(TrackerConfig{OnChange: rec.onChange, Logger: quietLogger()})

	// Empty proximity still yields a first result.
	_, changed := tr.Set(SourceSocket, Proximity1, 80)
	if !changed {
		t.Fatal("first write should report a change")
	}
	if got := rec.all(); len(got) != 1 || got[0].Slot1Occupied {
		t.Fatalf("results = %+v, want one unoccupied result", got)
	}
}

func TestTracker_UnchangedResultIsNotDelivered(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker(TrackerConfig{OnChange: rec.onChange, Logger: quietLogger()})

	tr.Set(SourceSocket, Proximity1, 20)
	_, changed := tr.Set(SourceSocket, Proximity1, 21)
	if changed {
		t.Error("20 -> 21 keeps slot1 occupied; no change expected")
	}
	tr.Set(SourceSocket, Temperature, 4)

	got := rec.all()
	if len(got) != 2 {
		t.Fatalf("delivered %d results, want 2", len(got))
	}
	if got[1].Temperature == nil || *got[1].Temperature != 4 {
		t.Errorf("second result temperature = %v, want 4", got[1].Temperature)
	}
}

func TestTracker_ApplyIsOneUpdate(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker(TrackerConfig{OnChange: rec.onChange, Logger: quietLogger()})

	res, _ := tr.Apply(SourcePoll, map[Signal]float64{Proximity1: 20, Proximity2: FarReading})
	if !res.Slot1Occupied || res.Slot2Occupied {
		t.Errorf("result = %+v, want {true false}", res)
	}
	if n := len(rec.all()); n != 1 {
		t.Errorf("delivered %d results, want 1", n)
	}

	if _, changed := tr.Apply(SourcePoll, nil); changed {
		t.Error("empty Apply should not report a change")
	}
}

// TestTracker_NoCrossSourceOrdering documents that a poll applied
// after a socket update overwrites it even if the poll data is older.
func TestTracker_NoCrossSourceOrdering(t *testing.T) {
	tr := NewTracker(TrackerConfig{Logger: quietLogger()})

	tr.Set(SourceSocket, Proximity2, 10)
	tr.Apply(SourcePoll, map[Signal]float64{Proximity1: 20, Proximity2: FarReading})

	res := tr.Result()
	if res.Slot2Occupied {
		t.Error("last write (poll, far) should win over the earlier socket reading")
	}
	prov, ok := tr.Provenance(Proximity2)
	if !ok || prov.Source != SourcePoll {
		t.Errorf("Provenance(proximity2) = %+v, want source poll", prov)
	}

	tr.Set(SourceSocket, Proximity2, 5)
	socketProv, _ := tr.Provenance(Proximity2)
	if socketProv.Seq <= prov.Seq {
		t.Errorf("sequence did not advance: %d <= %d", socketProv.Seq, prov.Seq)
	}
	if !tr.Result().Slot2Occupied {
		t.Error("socket write after poll should win")
	}
}

func TestTracker_StateIsACopy(t *testing.T) {
	tr := NewTracker(TrackerConfig{Logger: quietLogger()})
	tr.Set(SourceMQTT, Humidity, 60)

	st := tr.State()
	*st.Humidity = 1
	if v, _ := tr.State().Get(Humidity); v != 60 {
		t.Errorf("tracker humidity = %v after mutating copy, want 60", v)
	}
	if st.Proximity1 != nil {
		t.Error("unwritten field should stay unknown")
	}
}

func TestTracker_PublishesEvents(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(4)
	defer bus.Unsubscribe(ch)

	tr := NewTracker(TrackerConfig{Events: bus, Logger: quietLogger()})
	tr.Set(SourceSocket, Proximity1, 1)

	select {
	case e := <-ch:
		if e.Kind != events.KindOccupancyChanged || e.Data["slot1_occupied"] != true {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no occupancy_changed event")
	}
}

// TestTracker_ConcurrentWritersDeliverInOrder hammers the tracker from
// two sources and checks the last delivered result matches the final
// state.
func TestTracker_ConcurrentWritersDeliverInOrder(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker(TrackerConfig{OnChange: rec.onChange, Logger: quietLogger()})

	var wg sync.WaitGroup
	for _, src := range []string{SourceSocket, SourcePoll} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				v := 10.0
				if i%2 == 0 {
					v = 90
				}
				tr.Set(src, Proximity1, v)
			}
		}()
	}
	wg.Wait()

	// One last deterministic write settles the final state.
	tr.Set(SourceSocket, Temperature, 2)

	got := rec.all()
	if len(got) == 0 {
		t.Fatal("no results delivered")
	}
	if !got[len(got)-1].Equal(tr.Result()) {
		t.Errorf("last delivered %+v != current %+v", got[len(got)-1], tr.Result())
	}
}

func TestTracker_CommitDefersNotification(t *testing.T) {
	rec := &recorder{}
	tr := NewTracker(TrackerConfig{OnChange: rec.onChange, Logger: quietLogger()})

	first := tr.Commit(SourcePoll, map[Signal]float64{Proximity1: 20})
	if !first.Changed || !first.Result.Slot1Occupied {
		t.Fatalf("Commit() = %+v, want changed with slot1 occupied", first)
	}
	if n := len(rec.all()); n != 0 {
		t.Fatalf("Commit delivered %d results before Notify", n)
	}
	if !tr.Result().Slot1Occupied {
		t.Error("Commit did not write the state")
	}

	// A newer update delivered first supersedes the older one.
	second := tr.Commit(SourceSocket, prox2(10))
	second.Notify()
	first.Notify()

	got := rec.all()
	if len(got) != 1 || !got[0].Slot2Occupied {
		t.Errorf("delivered %+v, want only the newer result", got)
	}

	// Zero and unchanged updates are no-ops.
	Update{}.Notify()
	tr.Commit(SourceSocket, prox2(10)).Notify()
	if n := len(rec.all()); n != 1 {
		t.Errorf("delivered %d results, want 1", n)
	}
}

func prox2(v float64) map[Signal]float64 {
	return map[Signal]float64{Proximity2: v}
}

func TestTracker_ChangeLogIsDebug(t *testing.T) {
	for _, level := range []slog.Level{slog.LevelInfo, slog.LevelDebug} {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level}))
		tr := NewTracker(TrackerConfig{Logger: logger})

		if _, changed := tr.Set(SourcePoll, Proximity1, 20); !changed {
			t.Fatal("first write did not report a change")
		}
		logged := strings.Contains(buf.String(), "occupancy changed")
		if want := level == slog.LevelDebug; logged != want {
			t.Errorf("level %v: change logged = %v, want %v\n%s", level, logged, want, buf.String())
		}
	}
}
