package queue

import "github.com/drblury/conduit/internal/runtime/model"

// tier is a FIFO backed by a slice with a moving head. The backing array is
// compacted once the dead prefix outgrows the live part.
type tier struct {
	items []*model.Message
	head  int
}

func (t *tier) len() int {
	return len(t.items) - t.head
}

func (t *tier) push(msg *model.Message) {
	t.items = append(t.items, msg)
}

func (t *tier) pop() *model.Message {
	if t.head >= len(t.items) {
		return nil
	}
	msg := t.items[t.head]
	t.items[t.head] = nil
	t.head++

	switch {
	case t.head == len(t.items):
		t.items = t.items[:0]
		t.head = 0
	case t.head > 32 && t.head*2 >= len(t.items):
		n := copy(t.items, t.items[t.head:])
		clear(t.items[n:])
		t.items = t.items[:n]
		t.head = 0
	}
	return msg
}
