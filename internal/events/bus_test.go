package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, backlog []Event, ch <-chan Event, want int) []Event {
	t.Helper()
	got := append([]Event(nil), backlog...)
	timeout := time.After(2 * time.Second)
	for len(got) < want {
		select {
		case ev, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out with %d of %d events", len(got), want)
		}
	}
	return got
}

func TestPublishAssignsGaplessSequence(t *testing.T) {
	bus := NewBus()
	bus.OpenStream("job-1")

	backlog, ch, cancel, err := bus.Subscribe("job-1", 0)
	require.NoError(t, err)
	defer cancel()
	assert.Empty(t, backlog)

	bus.Publish("job-1", KindJobCreated, JobCreatedPayload{Source: "url"})
	bus.Publish("job-1", KindExtractionStarted, nil)
	bus.Publish("job-1", KindProcessingComplete, ProcessingDonePayload{ChunksTotal: 3})

	got := drain(t, nil, ch, 3)
	require.Len(t, got, 3)
	for i, ev := range got {
		assert.Equal(t, uint64(i+1), ev.SequenceNumber)
		assert.Equal(t, "job-1", ev.JobID)
	}
	assert.Equal(t, KindProcessingComplete, got[2].Kind)

	// terminal event closes the stream
	_, ok := <-ch
	assert.False(t, ok)
}

func TestSubscribeReplaysFromSequence(t *testing.T) {
	bus := NewBus()
	bus.OpenStream("job-1")
	for i := 0; i < 5; i++ {
		bus.Publish("job-1", KindChunkCreated, ChunkCreatedPayload{SequenceIndex: i})
	}

	backlog, ch, cancel, err := bus.Subscribe("job-1", 3)
	require.NoError(t, err)
	defer cancel()

	require.Len(t, backlog, 3)
	assert.Equal(t, uint64(3), backlog[0].SequenceNumber)
	assert.Equal(t, uint64(5), backlog[2].SequenceNumber)

	bus.Publish("job-1", KindChunkCreated, ChunkCreatedPayload{SequenceIndex: 5})
	got := drain(t, backlog, ch, 4)
	assert.Equal(t, uint64(6), got[3].SequenceNumber)
}

func TestSubscribeAfterTerminalReturnsFullHistory(t *testing.T) {
	bus := NewBus()
	bus.OpenStream("job-1")
	bus.Publish("job-1", KindJobCreated, nil)
	bus.Publish("job-1", KindProcessingFailed, ProcessingFailedPayload{Reason: "boom"})

	backlog, ch, cancel, err := bus.Subscribe("job-1", 0)
	require.NoError(t, err)
	defer cancel()

	require.Len(t, backlog, 2)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestSubscribeUnknownJob(t *testing.T) {
	bus := NewBus()
	_, _, _, err := bus.Subscribe("missing", 0)
	assert.ErrorIs(t, err, ErrNoStream)
}

func TestSlowSubscriberDropsNonCriticalKeepsCritical(t *testing.T) {
	bus := NewBus()
	bus.bufferSize = 2
	bus.publishTimeout = 10 * time.Second
	bus.OpenStream("job-1")

	backlog, ch, cancel, err := bus.Subscribe("job-1", 0)
	require.NoError(t, err)
	defer cancel()
	require.Empty(t, backlog)

	// fill the buffer, then overflow with non-critical events
	for i := 0; i < 10; i++ {
		bus.Publish("job-1", KindChunkEmbedded, ChunkEmbeddedPayload{ChunkID: "c"})
	}

	var got []Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			got = append(got, ev)
		}
	}()

	// the critical terminal event must get through even though earlier
	// progress events were shed
	bus.Publish("job-1", KindProcessingComplete, nil)
	<-done

	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, KindProcessingComplete, last.Kind)
	assert.Less(t, len(got), 11)
}

func TestConcurrentPublishersStayOrdered(t *testing.T) {
	bus := NewBus()
	bus.OpenStream("job-1")

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				bus.Publish("job-1", KindNodeCreated, NodePayload{CanonicalID: "x|concept"})
			}
		}()
	}
	wg.Wait()

	backlog, _, cancel, err := bus.Subscribe("job-1", 0)
	require.NoError(t, err)
	defer cancel()

	require.Len(t, backlog, 400)
	for i, ev := range backlog {
		assert.Equal(t, uint64(i+1), ev.SequenceNumber)
	}
}

func TestDecodePayloadRoundTrip(t *testing.T) {
	ev := Event{
		Kind:    KindChunkFailed,
		Payload: MustPayload(ChunkFailedPayload{ChunkID: "c1", Stage: "embed", Reason: "timeout"}),
	}
	decoded, err := DecodePayload(ev.Kind, ev.Payload)
	require.NoError(t, err)
	p, ok := decoded.(*ChunkFailedPayload)
	require.True(t, ok)
	assert.Equal(t, "embed", p.Stage)

	_, err = DecodePayload(Kind("bogus"), nil)
	assert.Error(t, err)
}
