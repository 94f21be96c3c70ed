package progress

import (
	"context"
	"fmt"
	"time"
)

type exampleTotalSink struct {
	total float64
}

func (s *exampleTotalSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		s.total += evt.Value
	}
	return nil
}

func (s *exampleTotalSink) Close(context.Context) error { return nil }

// ExampleHub_Emit records two samples and flushes them on Close.
func ExampleHub_Emit() {
	sink := &exampleTotalSink{}
	hub := NewHub(Config{MaxBatchWait: time.Minute}, sink)

	hub.Emit(Event{TS: time.Unix(0, 0), Name: "feed_items_inserted", Value: 3})
	hub.Emit(Event{TS: time.Unix(0, 0), Name: "feed_items_inserted", Value: 2})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}
	fmt.Println(sink.total)
	// Output: 5
}
