package bus

import (
	"sync"
	"testing"
	"time"
)

// recv waits briefly for the next event on sub.
func recv(t *testing.T, sub *Subscription) (Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-sub.Ch():
		return ev, ok
	case <-time.After(200 * time.Millisecond):
		return Event{}, false
	}
}

func drain(sub *Subscription) int {
	n := 0
	for {
		select {
		case <-sub.Ch():
			n++
		default:
			return n
		}
	}
}

func TestBus_PrefixRouting(t *testing.T) {
	b := New()
	tasks := b.Subscribe("task.")
	outcomes := b.Subscribe(TopicTaskCompleted, TopicTaskDeadLettered)
	all := b.Subscribe()
	empty := b.Subscribe("")
	defer func() {
		for _, s := range []*Subscription{tasks, outcomes, all, empty} {
			b.Unsubscribe(s)
		}
	}()

	b.Publish(TopicTaskClaimed, TaskEvent{TaskID: "a"})
	b.Publish(TopicSkillAdmitted, SkillEvent{SkillID: "digest"})
	b.Publish(TopicTaskDeadLettered, TaskEvent{TaskID: "b", Status: "dead_letter"})

	tests := []struct {
		name string
		sub  *Subscription
		want int
	}{
		{"task prefix", tasks, 2},
		{"exact topics", outcomes, 1},
		{"no prefix", all, 3},
		{"empty prefix", empty, 3},
	}
	for _, tt := range tests {
		if got := drain(tt.sub); got != tt.want {
			t.Errorf("%s: received %d events, want %d", tt.name, got, tt.want)
		}
	}
}

func TestBus_EventFields(t *testing.T) {
	b := New()
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskCreated, TaskEvent{TaskID: "x"})
	b.Publish(TopicTaskCompleted, TaskEvent{TaskID: "x", Status: "completed"})

	first, _ := recv(t, sub)
	second, ok := recv(t, sub)
	if !ok {
		t.Fatal("expected two events")
	}
	if !first.At.Equal(fixed) || first.Topic != TopicTaskCreated {
		t.Fatalf("unexpected first event %+v", first)
	}
	if second.Seq != first.Seq+1 {
		t.Fatalf("seq not monotonic: %d then %d", first.Seq, second.Seq)
	}
	if p, ok := second.Payload.(TaskEvent); !ok || p.Status != "completed" {
		t.Fatalf("payload = %#v", second.Payload)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	other := b.Subscribe("task.")
	if b.SubscriberCount() != 2 {
		t.Fatalf("count = %d, want 2", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	b.Unsubscribe(nil)
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}

	b.Publish(TopicTaskCreated, nil)
	if _, ok := recv(t, other); !ok {
		t.Fatal("remaining subscriber missed the event")
	}
	b.Unsubscribe(other)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	const publishers, each = 10, 5
	var wg sync.WaitGroup
	for g := 0; g < publishers; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				b.Publish(TopicTaskRescheduled, i)
			}
		}()
	}
	wg.Wait()

	if got := drain(sub); got != publishers*each {
		t.Fatalf("received %d events, want %d", got, publishers*each)
	}
}

func TestBus_DroppedCounted(t *testing.T) {
	b := New()
	sub := b.Subscribe("skill.")
	defer b.Unsubscribe(sub)
	for i := 0; i < defaultBufferSize+5; i++ {
		b.Publish(TopicSkillAdmitted, SkillEvent{SkillID: "s"})
	}
	if got := sub.Dropped(); got != 5 {
		t.Fatalf("expected 5 dropped events, got %d", got)
	}
}

func TestBus_NilPublishIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(TopicTaskCreated, nil)
}
