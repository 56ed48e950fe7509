// Package timeline keeps a single-branch, rewindable history.
//
// Appending while the head points into the past erases everything after the
// head first. There is never more than one branch.
package timeline

import (
	"errors"
	"fmt"
)

var (
	ErrIndexOutOfRange = errors.New("timeline: index out of range")
	ErrHistoryFull     = errors.New("timeline: history full")
)

// Timeline is not safe for concurrent use; its owner serializes access.
type Timeline[T any] struct {
	items []T
	head  int
	limit int
}

// New returns an empty timeline. limit <= 0 means unbounded.
func New[T any](limit int) *Timeline[T] {
	return &Timeline[T]{head: -1, limit: limit}
}

// AddNext appends item after the head. Entries after the head are removed
// and returned as the discarded future.
func (t *Timeline[T]) AddNext(item T) ([]T, error) {
	var discarded []T
	if t.head < len(t.items)-1 {
		discarded = make([]T, len(t.items)-t.head-1)
		copy(discarded, t.items[t.head+1:])
	} else if t.limit > 0 && len(t.items) >= t.limit {
		return nil, ErrHistoryFull
	}
	if discarded != nil {
		var zero T
		for i := t.head + 1; i < len(t.items); i++ {
			t.items[i] = zero
		}
		t.items = t.items[:t.head+1]
	}
	t.items = append(t.items, item)
	t.head = len(t.items) - 1
	return discarded, nil
}

// TryGetCurrent returns the entry at the head, or false when head is -1.
func (t *Timeline[T]) TryGetCurrent() (T, bool) {
	if t.head < 0 || t.head >= len(t.items) {
		var zero T
		return zero, false
	}
	return t.items[t.head], true
}

// SetHead moves the read cursor. Contents are untouched.
func (t *Timeline[T]) SetHead(index int) error {
	if index < -1 || index > len(t.items)-1 {
		return fmt.Errorf("%w: %d not in [-1, %d]", ErrIndexOutOfRange, index, len(t.items)-1)
	}
	t.head = index
	return nil
}

func (t *Timeline[T]) Clear() {
	t.items = nil
	t.head = -1
}

func (t *Timeline[T]) IsUpToDate() bool { return t.head == len(t.items)-1 }

func (t *Timeline[T]) Len() int { return len(t.items) }

func (t *Timeline[T]) HeadIndex() int { return t.head }

func (t *Timeline[T]) Limit() int { return t.limit }

// At returns the entry at i regardless of the head.
func (t *Timeline[T]) At(i int) (T, bool) {
	if i < 0 || i >= len(t.items) {
		var zero T
		return zero, false
	}
	return t.items[i], true
}

// Items returns a copy of every entry including any future past the head.
func (t *Timeline[T]) Items() []T {
	out := make([]T, len(t.items))
	copy(out, t.items)
	return out
}

// Validate reports a corrupted cursor.
func (t *Timeline[T]) Validate() error {
	if t.head < -1 || t.head > len(t.items)-1 {
		return fmt.Errorf("timeline: head %d outside [-1, %d]", t.head, len(t.items)-1)
	}
	if t.limit > 0 && len(t.items) > t.limit {
		return fmt.Errorf("timeline: length %d exceeds limit %d", len(t.items), t.limit)
	}
	return nil
}
