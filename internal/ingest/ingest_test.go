package ingest

import (
	"testing"
	"time"
)

func TestQueueDropsOldestWhenFull(t *testing.T) {
	var dropped []string
	q := NewQueue(2, func(m Message) { dropped = append(dropped, m.Topic) }, nil)

	q.Push(Message{Topic: "a"})
	q.Push(Message{Topic: "b"})
	q.Push(Message{Topic: "c"}) // evicts "a"

	if len(dropped) != 1 || dropped[0] != "a" {
		t.Fatalf("dropped = %v, want [a]", dropped)
	}
	got := []string{(<-q.C()).Topic, (<-q.C()).Topic}
	if got[0] != "b" || got[1] != "c" {
		t.Fatalf("queue order = %v, want [b c]", got)
	}
	if q.Len() != 0 {
		t.Fatalf("len = %d after drain", q.Len())
	}
}

func TestQueuePushNeverBlocks(t *testing.T) {
	q := NewQueue(1, nil, nil)
	doneCh := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			q.Push(Message{Topic: "t"})
		}
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Push blocked with no consumer")
	}
}

func TestDecodeValue(t *testing.T) {
	if v, ok := DecodeValue([]byte(`{"device_id":"d1","motion":true}`)).(map[string]any); !ok || v["device_id"] != "d1" {
		t.Fatalf("json decode = %#v", v)
	}
	if v := DecodeValue([]byte("23.5")); v != 23.5 {
		t.Fatalf("number decode = %#v", v)
	}
	if v := DecodeValue([]byte("true")); v != true {
		t.Fatalf("bool decode = %#v", v)
	}
	// 0/1 stay numeric; the normalizer coerces them per sensor kind.
	if v := DecodeValue([]byte("1")); v != 1.0 {
		t.Fatalf("numeric bool decode = %#v", v)
	}
	if v := DecodeValue([]byte(`"living_room"`)); v != "living_room" {
		t.Fatalf("string decode = %#v", v)
	}
	if v := DecodeValue([]byte{0xff, 0xfe}); v != nil {
		t.Fatalf("non-utf8 decode = %#v, want nil", v)
	}
	if v := DecodeValue([]byte("   ")); v != nil {
		t.Fatalf("blank decode = %#v, want nil", v)
	}
	// Malformed JSON falls back to the raw string.
	if v := DecodeValue([]byte(`{broken`)); v != "{broken" {
		t.Fatalf("malformed json decode = %#v", v)
	}
}
