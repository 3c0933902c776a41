package bus

import "testing"

func TestBroadcastOrderAndUnsubscribe(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe("b", func(e Event) { got = append(got, "b:"+e.Name) })
	b.Subscribe("a", func(e Event) { got = append(got, "a:"+e.Name) })

	b.Broadcast(Event{Name: "x"})
	b.Unsubscribe("a")
	b.Broadcast(Event{Name: "y"})

	want := []string{"a:x", "b:x", "b:y"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBroadcastSurvivesPanickingHandler(t *testing.T) {
	b := New()
	called := false
	b.Subscribe("1-bad", func(Event) { panic("boom") })
	b.Subscribe("2-good", func(Event) { called = true })

	b.Broadcast(Event{Name: "x"})
	if !called {
		t.Error("handler after a panicking one was not called")
	}
}
