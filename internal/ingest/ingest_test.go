package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"

	"github.com/getsentry/cctprof/internal/event"
	"github.com/getsentry/cctprof/internal/testutil"
)

type readerMock struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
}

func (r *readerMock) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *readerMock) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *readerMock) Close() error {
	return nil
}

type ingesterMock struct {
	batches map[string][][]event.Event
	fail    string
	cancel  context.CancelFunc
	want    int
}

func (i *ingesterMock) Ingest(_ context.Context, session string, batch []event.Event) (event.Result, error) {
	i.batches[session] = append(i.batches[session], batch)
	defer func() {
		i.want--
		if i.want == 0 {
			i.cancel()
		}
	}()
	if session == i.fail {
		return event.Result{Applied: 1}, errors.New("boom")
	}
	return event.Result{Applied: len(batch)}, nil
}

func TestConsumerRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := &readerMock{
		messages: []kafka.Message{
			{Offset: 1, Key: []byte("s1"), Value: []byte(`[{"type":"new_thread","thread_id":1},{"type":"reset"}]`)},
			{Offset: 2, Key: []byte("s1"), Value: []byte(`not json`)},
			{Offset: 3, Value: []byte(`[]`)},
			{Offset: 4, Key: []byte("s2"), Value: []byte(`[{"type":"reset"}]`)},
			{Offset: 5, Key: []byte("bad"), Value: []byte(`[{"type":"reset"}]`)},
		},
	}
	ingester := &ingesterMock{
		batches: make(map[string][][]event.Event),
		fail:    "bad",
		cancel:  cancel,
		want:    3,
	}

	c := NewConsumer(reader, ingester)
	if err := c.Run(ctx); err != nil {
		t.Fatal(err)
	}

	if diff := testutil.Diff(reader.committed, []int64{1, 2, 3, 4, 5}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	want := Stats{
		Batches:  2,
		Poisoned: 2,
		Failed:   1,
		Events:   event.Result{Applied: 4},
	}
	if diff := testutil.Diff(c.Stats(), want); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
	if diff := testutil.Diff(ingester.batches["s1"], [][]event.Event{
		{{Type: event.TypeNewThread, ThreadID: 1}, {Type: event.TypeReset}},
	}); diff != "" {
		t.Fatalf("Result mismatch: got - want +\n%s", diff)
	}
}
