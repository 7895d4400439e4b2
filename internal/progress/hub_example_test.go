package progress

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// kindPrinter prints the kinds of every batch it receives.
type kindPrinter struct{}

func (kindPrinter) Consume(_ context.Context, batch []Event) error {
	kinds := make([]string, 0, len(batch))
	for _, evt := range batch {
		kinds = append(kinds, string(evt.Kind))
	}
	fmt.Println(strings.Join(kinds, " "))
	return nil
}

func (kindPrinter) Close(context.Context) error { return nil }

// ExampleHub shows run boundaries closing batches: the run start is delivered
// alone and the verification results travel with the run end.
func ExampleHub() {
	hub := NewHub(Config{MaxBatchWait: time.Hour}, kindPrinter{})
	run := [16]byte{1}
	at := time.Unix(0, 0)

	hub.Emit(Event{RunID: run, TS: at, Kind: KindRunStart, URL: "http://example.com/"})
	for _, code := range []int{200, 404} {
		hub.Emit(Event{
			RunID:       run,
			TS:          at,
			Kind:        KindResourceVerified,
			URL:         fmt.Sprintf("http://example.com/%d", code),
			Status:      code,
			StatusClass: ClassifyStatus(code),
		})
	}
	hub.Emit(Event{RunID: run, TS: at, Kind: KindRunDone, State: "RanToCompletion"})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}
	// Output:
	// RUN_START
	// RESOURCE_VERIFIED RESOURCE_VERIFIED RUN_DONE
}

type brokenLinks struct {
	urls []string
}

func (b *brokenLinks) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		if evt.Kind == KindResourceVerified && evt.StatusClass == Status4xx {
			b.urls = append(b.urls, evt.URL)
		}
	}
	return nil
}

func (b *brokenLinks) Close(context.Context) error {
	fmt.Println("broken:", strings.Join(b.urls, ", "))
	return nil
}

// ExampleSink collects client errors and reports them when the hub closes.
func ExampleSink() {
	hub := NewHub(Config{}, &brokenLinks{})
	for _, u := range []string{"/ok", "/gone", "/missing"} {
		code := 404
		if u == "/ok" {
			code = 200
		}
		hub.Emit(Event{
			RunID:       [16]byte{2},
			TS:          time.Unix(0, 0),
			Kind:        KindResourceVerified,
			URL:         "http://example.com" + u,
			Status:      code,
			StatusClass: ClassifyStatus(code),
		})
	}
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}
	// Output:
	// broken: http://example.com/gone, http://example.com/missing
}
