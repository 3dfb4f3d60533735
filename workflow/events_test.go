package workflow

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterDelivery(t *testing.T) {
	b := NewBroadcaster(8, nil)
	ch := b.Subscribe("conv-1")

	b.Publish("conv-1", Event{Type: EventWorkflowStarted, ConversationID: "conv-1"})
	b.Publish("conv-1", Event{Type: EventQueryOptimized, ConversationID: "conv-1"})

	assert.Equal(t, EventWorkflowStarted, (<-ch).Type)
	assert.Equal(t, EventQueryOptimized, (<-ch).Type)
}

func TestBroadcasterNewestWins(t *testing.T) {
	b := NewBroadcaster(2, nil)
	b.Subscribe("conv-1")

	// Three publishes into a depth-2 channel: the oldest is dropped.
	b.Publish("conv-1", Event{Type: EventWorkflowStarted})
	b.Publish("conv-1", Event{Type: EventQueryOptimized})
	b.Publish("conv-1", Event{Type: EventWorkflowComplete})

	ch := b.Subscribe("conv-1")
	assert.Equal(t, EventQueryOptimized, (<-ch).Type)
	assert.Equal(t, EventWorkflowComplete, (<-ch).Type)
	assert.Equal(t, int64(1), b.Dropped())
}

func TestBroadcasterNeverBlocks(t *testing.T) {
	b := NewBroadcaster(1, nil)
	b.Subscribe("conv-1")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish("conv-1", Event{Type: EventSearchComplete})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full channel")
	}
	assert.Equal(t, int64(99), b.Dropped())
}

func TestBroadcasterIsolatesConversations(t *testing.T) {
	b := NewBroadcaster(4, nil)
	ch1 := b.Subscribe("conv-1")
	ch2 := b.Subscribe("conv-2")

	b.Publish("conv-1", Event{Type: EventWorkflowStarted, ConversationID: "conv-1"})

	assert.Equal(t, "conv-1", (<-ch1).ConversationID)
	select {
	case ev := <-ch2:
		t.Fatalf("unexpected event on conv-2: %v", ev.Type)
	default:
	}
}

func TestBroadcasterUnsubscribeCloses(t *testing.T) {
	b := NewBroadcaster(4, nil)
	ch := b.Subscribe("conv-1")
	b.Unsubscribe("conv-1")

	_, open := <-ch
	assert.False(t, open)
}

func TestMultiSink(t *testing.T) {
	var first, second []Event
	sink := MultiSink{
		sinkFunc(func(_ string, ev Event) { first = append(first, ev) }),
		sinkFunc(func(_ string, ev Event) { second = append(second, ev) }),
	}

	sink.Publish("conv-1", Event{Type: EventWorkflowStarted})
	require.Len(t, first, 1)
	require.Len(t, second, 1)
}

func TestTerminalEventTypes(t *testing.T) {
	assert.True(t, EventWorkflowComplete.IsTerminal())
	assert.True(t, EventWorkflowFailed.IsTerminal())
	assert.True(t, EventWorkflowCancelled.IsTerminal())
	assert.False(t, EventSearchComplete.IsTerminal())
}

// sinkFunc adapts a function to the Sink interface.
type sinkFunc func(string, Event)

func (f sinkFunc) Publish(conversationID string, event Event) {
	f(conversationID, event)
}

func ExampleBroadcaster() {
	b := NewBroadcaster(4, nil)
	ch := b.Subscribe("conv-42")

	b.Publish("conv-42", Event{Type: EventWorkflowStarted, RunID: "run-1"})
	ev := <-ch
	fmt.Println(ev.Type)
	// Output: workflow_started
}
