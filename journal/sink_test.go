package journal

import (
	"testing"

	"taolend/core/types"
)

type wrappedEvent struct {
	evt *types.Event
}

func (w wrappedEvent) EventType() string {
	if w.evt == nil {
		return ""
	}
	return w.evt.Type
}

func (w wrappedEvent) Event() *types.Event { return w.evt }

type bareEvent struct{}

func (bareEvent) EventType() string { return "bare" }

func TestSinkJournalsEmittedEvents(t *testing.T) {
	j := newTestJournal(t)
	sink := NewSink(j, nil)

	sink.Emit(wrappedEvent{evt: depositEvent("acct-1", 42)})
	sink.Emit(wrappedEvent{evt: nil})
	sink.Emit(bareEvent{})
	sink.Emit(nil)

	entries, err := j.Events(Query{})
	if err != nil {
		t.Fatalf("query entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one journalled entry, got %d", len(entries))
	}
	if entries[0].Type != "lend.deposit" {
		t.Fatalf("unexpected entry type %s", entries[0].Type)
	}
	attrs, err := entries[0].DecodeAttributes()
	if err != nil {
		t.Fatalf("decode attributes: %v", err)
	}
	if attrs["amount"] != "42" {
		t.Fatalf("unexpected amount attribute %q", attrs["amount"])
	}
}
