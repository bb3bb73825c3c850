package bus

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/anvilworks/anvil/pkg/models"
)

// collect drains n messages from ch or fails the test after a timeout.
func collect(t *testing.T, ch <-chan models.Message, n int) []models.Message {
	t.Helper()
	var got []models.Message
	for len(got) < n {
		select {
		case msg := <-ch:
			got = append(got, msg)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for messages: got %d, want %d", len(got), n)
		}
	}
	return got
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := New()
	defer b.Close()

	received := make(chan models.Message, 100)
	if _, err := b.Subscribe("task.dispatch", func(msg models.Message) error {
		received <- msg
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < 50; i++ {
		if _, err := b.Publish("task.dispatch", "orchestrator", i); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	got := collect(t, received, 50)
	for i, msg := range got {
		if msg.Payload.(int) != i {
			t.Errorf("message %d: payload = %v, want %d", i, msg.Payload, i)
		}
		if msg.Seq != uint64(i+1) {
			t.Errorf("message %d: seq = %d, want %d", i, msg.Seq, i+1)
		}
	}
}

func TestConcurrentPublishersKeepFIFO(t *testing.T) {
	b := New()
	defer b.Close()

	received := make(chan models.Message, 400)
	if _, err := b.Subscribe("events", func(msg models.Message) error {
		received <- msg
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if _, err := b.Publish("events", fmt.Sprintf("w%d", p), i); err != nil {
					t.Errorf("publish: %v", err)
					return
				}
			}
		}(p)
	}
	wg.Wait()

	got := collect(t, received, 400)
	for i := 1; i < len(got); i++ {
		if got[i].Seq != got[i-1].Seq+1 {
			t.Fatalf("delivery out of order: seq %d followed by %d", got[i-1].Seq, got[i].Seq)
		}
	}
}

func TestEverySubscriberReceivesEveryMessage(t *testing.T) {
	b := New()
	defer b.Close()

	const subs = 3
	channels := make([]chan models.Message, subs)
	for i := range channels {
		ch := make(chan models.Message, 20)
		channels[i] = ch
		if _, err := b.Subscribe("task.completed", func(msg models.Message) error {
			ch <- msg
			return nil
		}); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	for i := 0; i < 10; i++ {
		if _, err := b.Publish("task.completed", "w1", i); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	for s, ch := range channels {
		got := collect(t, ch, 10)
		for i, msg := range got {
			if msg.Payload.(int) != i {
				t.Errorf("subscriber %d message %d: payload = %v, want %d", s, i, msg.Payload, i)
			}
		}
	}
}

func TestTopicsAreIndependent(t *testing.T) {
	b := New()
	defer b.Close()

	received := make(chan models.Message, 10)
	if _, err := b.Subscribe("a", func(msg models.Message) error {
		received <- msg
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := b.Publish("b", "w1", "other topic"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	seq, err := b.Publish("a", "w1", "mine")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if seq != 1 {
		t.Errorf("topic a seq = %d, want 1 (topics count independently)", seq)
	}

	got := collect(t, received, 1)
	if got[0].Payload != "mine" {
		t.Errorf("received payload %v from wrong topic", got[0].Payload)
	}
}

func TestFailFastReturnsQueueFull(t *testing.T) {
	b := New(WithCapacity(1), WithPolicy(PolicyFailFast))
	defer b.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	if _, err := b.Subscribe("slow", func(msg models.Message) error {
		started <- struct{}{}
		<-release
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// First message is picked up by the drain goroutine and blocks the
	// handler; the second fills the queue.
	if _, err := b.Publish("slow", "w1", 1); err != nil {
		t.Fatalf("publish 1: %v", err)
	}
	<-started
	if _, err := b.Publish("slow", "w1", 2); err != nil {
		t.Fatalf("publish 2: %v", err)
	}

	if _, err := b.Publish("slow", "w1", 3); !errors.Is(err, ErrQueueFull) {
		t.Errorf("publish 3: err = %v, want ErrQueueFull", err)
	}

	close(release)
	<-started
}

func TestBlockPolicyAppliesBackpressure(t *testing.T) {
	b := New(WithCapacity(1), WithPolicy(PolicyBlock))
	defer b.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	if _, err := b.Subscribe("slow", func(msg models.Message) error {
		started <- struct{}{}
		<-release
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := b.Publish("slow", "w1", 1); err != nil {
		t.Fatalf("publish 1: %v", err)
	}
	<-started
	if _, err := b.Publish("slow", "w1", 2); err != nil {
		t.Fatalf("publish 2: %v", err)
	}

	published := make(chan struct{})
	go func() {
		if _, err := b.Publish("slow", "w1", 3); err != nil {
			t.Errorf("blocked publish: %v", err)
		}
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("publish returned while queue was full; expected it to block")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	<-started // handler picks up message 2
	<-started // then message 3

	select {
	case <-published:
	case <-time.After(2 * time.Second):
		t.Fatal("publish did not complete after queue drained")
	}
}

func TestPanickingHandlerDoesNotAffectOthers(t *testing.T) {
	b := New()
	defer b.Close()

	if _, err := b.Subscribe("task.failed", func(msg models.Message) error {
		panic("handler bug")
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	healthy := make(chan models.Message, 10)
	if _, err := b.Subscribe("task.failed", func(msg models.Message) error {
		healthy <- msg
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	failures := make(chan models.Message, 10)
	if _, err := b.Subscribe(ErrorTopic, func(msg models.Message) error {
		failures <- msg
		return nil
	}); err != nil {
		t.Fatalf("subscribe error topic: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := b.Publish("task.failed", "w1", i); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	got := collect(t, healthy, 5)
	for i, msg := range got {
		if msg.Payload.(int) != i {
			t.Errorf("healthy subscriber message %d: payload = %v, want %d", i, msg.Payload, i)
		}
	}

	diag := collect(t, failures, 5)
	hf, ok := diag[0].Payload.(HandlerFailure)
	if !ok {
		t.Fatalf("error topic payload type = %T, want HandlerFailure", diag[0].Payload)
	}
	if hf.Topic != "task.failed" {
		t.Errorf("failure topic = %q, want task.failed", hf.Topic)
	}
	if b.HandlerFailures() < 5 {
		t.Errorf("HandlerFailures() = %d, want >= 5", b.HandlerFailures())
	}
}

func TestErroringHandlerIsReported(t *testing.T) {
	b := New()
	defer b.Close()

	if _, err := b.Subscribe("t", func(msg models.Message) error {
		return errors.New("transient handler error")
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	failures := make(chan models.Message, 1)
	if _, err := b.Subscribe(ErrorTopic, func(msg models.Message) error {
		failures <- msg
		return nil
	}); err != nil {
		t.Fatalf("subscribe error topic: %v", err)
	}

	if _, err := b.Publish("t", "w1", "x"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	diag := collect(t, failures, 1)
	hf := diag[0].Payload.(HandlerFailure)
	if hf.Reason != "transient handler error" {
		t.Errorf("failure reason = %q", hf.Reason)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	defer b.Close()

	received := make(chan models.Message, 10)
	id, err := b.Subscribe("t", func(msg models.Message) error {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := b.Publish("t", "w1", 1); err != nil {
		t.Fatalf("publish: %v", err)
	}
	collect(t, received, 1)

	b.Unsubscribe(id)

	if _, err := b.Publish("t", "w1", 2); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
	select {
	case msg := <-received:
		t.Fatalf("received message %v after unsubscribe", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	b := New()
	b.Close()

	if _, err := b.Publish("t", "w1", 1); !errors.Is(err, ErrClosed) {
		t.Errorf("publish after close: err = %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe("t", func(models.Message) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Errorf("subscribe after close: err = %v, want ErrClosed", err)
	}
	// Close is idempotent.
	b.Close()
}

func TestPublishedCounter(t *testing.T) {
	b := New()
	defer b.Close()

	for i := 0; i < 3; i++ {
		if _, err := b.Publish("t", "w1", i); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if got := b.Published(); got != 3 {
		t.Errorf("Published() = %d, want 3", got)
	}
}
