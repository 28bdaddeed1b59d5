package event

import "testing"

func TestPublishWithNoSubscribersIsNoOp(t *testing.T) {
	d := NewDispatcher()
	d.Publish("message", "payload") // must not panic or error
}

func TestHandlersRunInRegistrationOrder(t *testing.T) {
	d := NewDispatcher()
	var order []string
	d.Subscribe("message", func(any) { order = append(order, "first") })
	d.Subscribe("message", func(any) { order = append(order, "second") })

	d.Publish("message", nil)

	if len(order) != 2 {
		t.Fatalf("handlers invoked %d times, want 2", len(order))
	}
	if order[0] != "first" || order[1] != "second" {
		t.Errorf("order = %v, want [first second]", order)
	}
}

func TestEachHandlerInvokedExactlyOnce(t *testing.T) {
	d := NewDispatcher()
	counts := make(map[int]int)
	d.Subscribe("typing", func(any) { counts[0]++ })
	d.Subscribe("typing", func(any) { counts[1]++ })

	d.Publish("typing", nil)

	if counts[0] != 1 || counts[1] != 1 {
		t.Errorf("invocation counts = %v, want each exactly 1", counts)
	}
}

func TestUnsubscribeRemovesOnlyThatHandler(t *testing.T) {
	d := NewDispatcher()
	var a, b int
	dispose := d.Subscribe("presence", func(any) { a++ })
	d.Subscribe("presence", func(any) { b++ })

	dispose()
	dispose() // second call is a no-op

	d.Publish("presence", nil)
	if a != 0 {
		t.Errorf("disposed handler invoked %d times", a)
	}
	if b != 1 {
		t.Errorf("remaining handler invoked %d times, want 1", b)
	}
}

func TestPanickingHandlerDoesNotStopRemaining(t *testing.T) {
	d := NewDispatcher()
	var reached bool
	d.Subscribe("message", func(any) { panic("boom") })
	d.Subscribe("message", func(any) { reached = true })

	d.Publish("message", nil)

	if !reached {
		t.Error("handler after panicking one was not invoked")
	}
}

func TestPayloadDeliveredToHandlers(t *testing.T) {
	d := NewDispatcher()
	var got any
	d.Subscribe("message", func(p any) { got = p })

	d.Publish("message", 42)

	if got != 42 {
		t.Errorf("payload = %v, want 42", got)
	}
}

func TestUnsubscribeAllByName(t *testing.T) {
	d := NewDispatcher()
	var a, b int
	d.Subscribe("message", func(any) { a++ })
	d.Subscribe("typing", func(any) { b++ })

	d.UnsubscribeAll("message")
	d.Publish("message", nil)
	d.Publish("typing", nil)

	if a != 0 {
		t.Errorf("message handler invoked %d times after UnsubscribeAll", a)
	}
	if b != 1 {
		t.Errorf("typing handler invoked %d times, want 1", b)
	}
}

func TestUnsubscribeAllEverything(t *testing.T) {
	d := NewDispatcher()
	var n int
	d.Subscribe("message", func(any) { n++ })
	d.Subscribe("typing", func(any) { n++ })

	d.UnsubscribeAll()
	d.Publish("message", nil)
	d.Publish("typing", nil)

	if n != 0 {
		t.Errorf("handlers invoked %d times after UnsubscribeAll()", n)
	}
	if d.SubscriberCount("message") != 0 {
		t.Error("subscriber count not zero after UnsubscribeAll()")
	}
}
