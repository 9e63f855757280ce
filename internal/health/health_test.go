package health

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSampler struct {
	samples chan Sample
}

var errNoSample = errors.New("no sample queued")

// Sample hands out the next queued sample. When none is queued it reports
// an error instead of blocking, so no tick is left waiting inside the
// sampler when the test calls Stop.
func (f *fakeSampler) Sample(ctx context.Context) (Sample, error) {
	select {
	case s := <-f.samples:
		return s, nil
	default:
		return Sample{}, errNoSample
	}
}

func tempPtr(v float64) *float64 { return &v }

func TestOverheatAndRecoverHysteresis(t *testing.T) {
	fs := &fakeSampler{samples: make(chan Sample, 10)}
	var overheats, recovers int32

	m := New(Config{
		Interval:         5 * time.Millisecond,
		TempThreshold:    75,
		HysteresisMargin: 5,
		CPUThreshold:     1000, // disable pressure warnings for this test
		MemoryThreshold:  1000,
	}, fs, Callbacks{
		OnOverheat: func() { atomic.AddInt32(&overheats, 1) },
		OnRecover:  func() { atomic.AddInt32(&recovers, 1) },
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	// below threshold: no overheat
	fs.samples <- Sample{TempC: tempPtr(60)}
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&overheats) != 0 {
		t.Fatalf("unexpected overheat at 60C")
	}

	// crosses threshold: overheat fires
	fs.samples <- Sample{TempC: tempPtr(80)}
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&overheats) != 1 {
		t.Fatalf("expected 1 overheat, got %d", atomic.LoadInt32(&overheats))
	}

	// within margin of threshold: should not yet recover
	fs.samples <- Sample{TempC: tempPtr(72)}
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&recovers) != 0 {
		t.Fatalf("should not have recovered yet at 72C")
	}

	// below threshold - margin: recovers
	fs.samples <- Sample{TempC: tempPtr(69)}
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&recovers) != 1 {
		t.Fatalf("expected 1 recover, got %d", atomic.LoadInt32(&recovers))
	}
}

func TestAbsentTemperatureNeverTriggersOverheat(t *testing.T) {
	fs := &fakeSampler{samples: make(chan Sample, 10)}
	var overheats int32
	m := New(Config{Interval: 5 * time.Millisecond, TempThreshold: 75}, fs, Callbacks{
		OnOverheat: func() { atomic.AddInt32(&overheats, 1) },
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	fs.samples <- Sample{TempC: nil}
	time.Sleep(20 * time.Millisecond)
	if atomic.LoadInt32(&overheats) != 0 {
		t.Fatalf("absent temperature must never trigger overheat")
	}
}

type fakeSink struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeSink) SendEvent(kind string, body map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, kind)
}

func TestOverheatAndRecoverSendTelemetryEvents(t *testing.T) {
	fs := &fakeSampler{samples: make(chan Sample, 10)}
	sink := &fakeSink{}

	m := New(Config{
		Interval:         5 * time.Millisecond,
		TempThreshold:    75,
		HysteresisMargin: 5,
		CPUThreshold:     1000,
		MemoryThreshold:  1000,
	}, fs, Callbacks{}, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	fs.samples <- Sample{TempC: tempPtr(80)}
	time.Sleep(20 * time.Millisecond)
	fs.samples <- Sample{TempC: tempPtr(69)}
	time.Sleep(20 * time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 2 || sink.events[0] != "overheat" || sink.events[1] != "recover" {
		t.Fatalf("expected [overheat recover], got %v", sink.events)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	fs := &fakeSampler{samples: make(chan Sample, 1)}
	m := New(Config{Interval: time.Hour}, fs, Callbacks{}, nil, nil)
	m.Start(context.Background())
	m.Stop()
	m.Stop()
}
