package progress

import (
	"context"
	"fmt"
	"time"
)

type jobCounter struct {
	jobs int
}

func (s *jobCounter) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		if evt.Stage == StageJobFound {
			s.jobs++
		}
	}
	return nil
}

func (s *jobCounter) Close(context.Context) error { return nil }

// ExampleHub_Emit counts found jobs in a custom sink.
func ExampleHub_Emit() {
	sink := &jobCounter{}
	hub := NewHub(Config{MaxBatchEvents: 1, MaxBatchWait: time.Second}, []Sink{sink})

	hub.Emit(Event{
		SessionID: "00000000-0000-7000-8000-000000000001",
		TS:        time.Unix(0, 0),
		Stage:     StageJobFound,
		URL:       "https://www.acme.example/jobs/cfo",
		Score:     4,
	})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("jobs found: %d\n", sink.jobs)
	// Output:
	// jobs found: 1
}
