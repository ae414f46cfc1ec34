package metadata

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{"a": "1", "b": "2"}
	clone := original.Clone()
	clone["a"] = "changed"

	if original["a"] != "1" {
		t.Fatalf("expected original map to stay untouched, got %q", original["a"])
	}

	var empty Metadata
	if empty.Clone() == nil {
		t.Fatal("expected non-nil clone of nil metadata")
	}
}

func TestWith(t *testing.T) {
	base := Metadata{"foo": "bar"}
	enriched := base.With("baz", "qux")
	if _, ok := base["baz"]; ok {
		t.Fatalf("expected base map to remain unchanged")
	}
	if enriched["baz"] != "qux" || enriched["foo"] != "bar" {
		t.Fatalf("unexpected enriched map: %#v", enriched)
	}
}

func TestNewPairs(t *testing.T) {
	md := New("key", "value", "dangling")
	if md["key"] != "value" {
		t.Fatalf("expected key to be set")
	}
	if _, ok := md["dangling"]; ok {
		t.Fatalf("expected dangling key to be ignored")
	}
}

func TestFromTable(t *testing.T) {
	stamp := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	md := FromTable(amqp.Table{
		"str":   "value",
		"num":   int32(7),
		"bytes": []byte("raw"),
		"time":  stamp,
		"bool":  true,
		"nil":   nil,
	})

	tests := map[string]string{
		"str":   "value",
		"num":   "7",
		"bytes": "raw",
		"time":  "2024-01-02T03:04:05Z",
		"bool":  "true",
		"nil":   "",
	}
	for key, want := range tests {
		t.Run(key, func(t *testing.T) {
			if md[key] != want {
				t.Fatalf("FromTable()[%q] = %q, want %q", key, md[key], want)
			}
		})
	}
}

func TestToWatermill(t *testing.T) {
	md := Metadata{"source": "api"}
	wm := ToWatermill(md)
	if wm["source"] != "api" {
		t.Fatalf("expected watermill metadata to copy entries")
	}
	wm["source"] = "mutation"
	if md["source"] != "api" {
		t.Fatalf("expected original metadata to be immutable to watermill changes")
	}

	if ToWatermill(nil) == nil {
		t.Fatal("expected non-nil map")
	}
}
