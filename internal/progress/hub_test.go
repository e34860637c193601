package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const sessionID = "01927f6e-8a1c-7b3d-9c2e-4f5a6b7c8d9e"

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, []Sink{sink})
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageSiteSelected))
	hub.Emit(sampleEvent(StageSiteDone))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 25 * time.Millisecond}, []Sink{sink})
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageSessionStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	hub := &Hub{events: make(chan Event), logger: zap.New(core)}
	start := time.Now()
	hub.Emit(sampleEvent(StageSessionStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 1, logs.FilterMessage("progress events dropped").Len())
}

func TestHubFlushesAndClosesOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 100, MaxBatchWait: time.Minute}, []Sink{sink, nil})
	hub.Emit(sampleEvent(StageJobFound))
	hub.Emit(sampleEvent(StageSessionDone))

	require.NoError(t, hub.Close(context.Background()))
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	assert.Len(t, sink.Batches()[0], 2)
	assert.True(t, sink.closed)

	hub.Emit(sampleEvent(StageSessionStart))
	assert.Len(t, sink.Batches(), 1, "events after close are discarded")
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{}, []Sink{sink})
	hub.Emit(Event{SessionID: "not-a-uuid", TS: time.Now(), Stage: StageSessionStart})
	hub.Emit(Event{SessionID: sessionID, TS: time.Now(), Stage: StageSiteDone})
	require.NoError(t, hub.Close(context.Background()))
	assert.Empty(t, sink.Batches())
}

func TestHubLogsSinkFailures(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	failing := sinkFunc(func(context.Context, []Event) error { return errors.New("unavailable") })
	hub := NewHub(Config{MaxBatchEvents: 1}, []Sink{failing}, WithLogger(zap.New(core)))
	hub.Emit(sampleEvent(StageSessionStart))
	require.NoError(t, hub.Close(context.Background()))
	assert.Equal(t, 1, logs.FilterMessage("progress sink failed").Len())
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cases := []struct {
		name string
		evt  Event
		ok   bool
	}{
		{"session start", Event{SessionID: sessionID, TS: now, Stage: StageSessionStart}, true},
		{"site without site", Event{SessionID: sessionID, TS: now, Stage: StageSiteSelected}, false},
		{"job without url", Event{SessionID: sessionID, TS: now, Stage: StageJobFound, Site: "s"}, false},
		{"job", Event{SessionID: sessionID, TS: now, Stage: StageJobFound, URL: "https://a.example/1"}, true},
		{"missing ts", Event{SessionID: sessionID, Stage: StageSessionDone}, false},
		{"unknown stage", Event{SessionID: sessionID, TS: now, Stage: "NOPE"}, false},
		{"negative duration", Event{SessionID: sessionID, TS: now, Stage: StageSessionDone, Dur: -1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.evt.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	copy(out, s.batches)
	return out
}

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error { return f(ctx, batch) }

func (sinkFunc) Close(context.Context) error { return nil }

func sampleEvent(stage Stage) Event {
	return Event{
		SessionID: sessionID,
		TS:        time.Now(),
		Stage:     stage,
		Site:      "https://www.acme.example",
		URL:       "https://www.acme.example/jobs/1",
	}
}
