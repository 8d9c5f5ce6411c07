package observer

import (
	"reflect"
	"testing"
)

func TestNotifyRunsInRegistrationOrder(t *testing.T) {
	r := NewRegistry[int]("test")
	var got []string

	r.Add(func(v int) { got = append(got, "a") })
	r.Add(func(v int) { got = append(got, "b") })
	r.Add(func(v int) { got = append(got, "c") })

	r.Notify(1)

	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestPanickingListenerDoesNotStopOthers(t *testing.T) {
	r := NewRegistry[string]("test")
	var got []string

	r.Add(func(v string) { got = append(got, "first:"+v) })
	r.Add(func(string) { panic("boom") })
	r.Add(func(v string) { got = append(got, "third:"+v) })

	r.Notify("x")

	if want := []string{"first:x", "third:x"}; !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestRemove(t *testing.T) {
	r := NewRegistry[int]("test")
	calls := 0
	remove := r.Add(func(int) { calls++ })

	r.Notify(1)
	remove()
	remove()
	r.Notify(2)

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRemoveDuringNotify(t *testing.T) {
	// A listener removing itself mid-notification must not skip the
	// listener registered after it.
	r := NewRegistry[int]("test")
	var got []string
	var removeSelf func()

	removeSelf = r.Add(func(int) {
		got = append(got, "self")
		removeSelf()
	})
	r.Add(func(int) { got = append(got, "next") })

	r.Notify(1)
	r.Notify(2)

	if want := []string{"self", "next", "next"}; !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestAddNil(t *testing.T) {
	r := NewRegistry[int]("test")
	remove := r.Add(nil)
	remove()
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
	r.Notify(1)
}
