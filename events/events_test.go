package events

import "testing"

func TestFilterTypes_Nil(t *testing.T) {
	if FilterTypes(nil) != nil {
		t.Error("FilterTypes(nil) should return nil")
	}
	if FilterTypes([]string{}) != nil {
		t.Error("FilterTypes([]) should return nil")
	}
}

func TestFilterTypes_Match(t *testing.T) {
	f := FilterTypes([]string{TypeSignal, TypeNameAcquired})
	if f == nil {
		t.Fatal("expected non-nil filter")
	}
	if !f(Event{Type: TypeSignal}) {
		t.Errorf("filter should pass %s", TypeSignal)
	}
	if !f(Event{Type: TypeNameAcquired}) {
		t.Errorf("filter should pass %s", TypeNameAcquired)
	}
	if f(Event{Type: TypeNameLost}) {
		t.Errorf("filter should block %s", TypeNameLost)
	}
	if f(Event{Type: TypeShutdown}) {
		t.Errorf("filter should block %s", TypeShutdown)
	}
}
