package store

import (
	"context"
	"errors"
)

// DefaultSeqBuffer is the channel capacity between a producer and an Iterator.
const DefaultSeqBuffer = 16

// Producer pushes items to yield until the source is exhausted or yield
// returns false. A producer must release its cursor and return promptly once
// yield returns false or ctx is done.
type Producer[T any] func(ctx context.Context, yield func(T) bool) error

// Seq is a cold, restartable lazy sequence. Every Iter/ForEach call runs the
// producer again from the start. The zero value is an empty sequence.
type Seq[T any] struct {
	produce Producer[T]
	buffer  int
}

func NewSeq[T any](p Producer[T]) Seq[T] { return Seq[T]{produce: p} }

// WithBuffer sets the channel capacity used by Iter.
func (s Seq[T]) WithBuffer(n int) Seq[T] {
	s.buffer = n
	return s
}

func Empty[T any]() Seq[T] { return Seq[T]{} }

// Fail returns a sequence whose every run fails with err.
func Fail[T any](err error) Seq[T] {
	return NewSeq(func(context.Context, func(T) bool) error { return err })
}

func FromSlice[T any](items []T) Seq[T] {
	return NewSeq(func(ctx context.Context, yield func(T) bool) error {
		for _, it := range items {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !yield(it) {
				return nil
			}
		}
		return nil
	})
}

// ForEach runs the producer on the calling goroutine and stops at the first
// error returned by fn.
func (s Seq[T]) ForEach(ctx context.Context, fn func(T) error) error {
	if s.produce == nil {
		return nil
	}
	var fnErr error
	err := s.produce(ctx, func(v T) bool {
		if fnErr = fn(v); fnErr != nil {
			return false
		}
		return ctx.Err() == nil
	})
	if fnErr != nil {
		return fnErr
	}
	if err == nil {
		err = ctx.Err()
	}
	return err
}

func (s Seq[T]) Collect(ctx context.Context) ([]T, error) {
	var out []T
	err := s.ForEach(ctx, func(v T) error {
		out = append(out, v)
		return nil
	})
	return out, err
}

func (s Seq[T]) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.ForEach(ctx, func(T) error {
		n++
		return nil
	})
	return n, err
}

// Filter keeps the items pred accepts.
func (s Seq[T]) Filter(pred func(T) bool) Seq[T] {
	if s.produce == nil {
		return s
	}
	return Seq[T]{buffer: s.buffer, produce: func(ctx context.Context, yield func(T) bool) error {
		return s.produce(ctx, func(v T) bool {
			if !pred(v) {
				return true
			}
			return yield(v)
		})
	}}
}

// OnDone calls fn with the producer's result after every run.
func (s Seq[T]) OnDone(fn func(error)) Seq[T] {
	return Seq[T]{buffer: s.buffer, produce: func(ctx context.Context, yield func(T) bool) error {
		var err error
		if s.produce != nil {
			err = s.produce(ctx, yield)
		}
		fn(err)
		return err
	}}
}

func Map[T, U any](s Seq[T], fn func(T) U) Seq[U] {
	if s.produce == nil {
		return Seq[U]{}
	}
	return Seq[U]{buffer: s.buffer, produce: func(ctx context.Context, yield func(U) bool) error {
		return s.produce(ctx, func(v T) bool { return yield(fn(v)) })
	}}
}

// Concat runs the sequences one after another.
func Concat[T any](seqs ...Seq[T]) Seq[T] {
	return NewSeq(func(ctx context.Context, yield func(T) bool) error {
		stopped := false
		for _, s := range seqs {
			if s.produce == nil {
				continue
			}
			err := s.produce(ctx, func(v T) bool {
				if !yield(v) {
					stopped = true
					return false
				}
				return true
			})
			if err != nil {
				return err
			}
			if stopped {
				return nil
			}
		}
		return nil
	})
}

// Iter starts the producer on its own goroutine and returns a pull iterator
// fed through a bounded channel. The caller must Close the iterator unless it
// ran to exhaustion.
func (s Seq[T]) Iter(ctx context.Context) *Iterator[T] {
	buf := s.buffer
	if buf <= 0 {
		buf = DefaultSeqBuffer
	}
	cctx, cancel := context.WithCancel(ctx)
	it := &Iterator[T]{
		ch:     make(chan T, buf),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	if s.produce == nil {
		close(it.ch)
		close(it.done)
		return it
	}
	go func() {
		defer close(it.done)
		defer close(it.ch)
		err := s.produce(cctx, func(v T) bool {
			select {
			case it.ch <- v:
				return true
			case <-cctx.Done():
				return false
			}
		})
		switch {
		case ctx.Err() != nil:
			if err == nil || isCtxErr(err) {
				err = ctx.Err()
			}
		case cctx.Err() != nil && isCtxErr(err):
			// cancelled by Close
			err = nil
		}
		it.err = err
	}()
	return it
}

func isCtxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Iterator pulls items produced by a Seq. It is not safe for concurrent use.
type Iterator[T any] struct {
	ch     chan T
	done   chan struct{}
	cancel context.CancelFunc
	cur    T
	err    error
	closed bool
}

// Next advances to the next item. It returns false at the end of the sequence,
// on error, or after Close.
func (it *Iterator[T]) Next() bool {
	if it.closed {
		return false
	}
	v, ok := <-it.ch
	if !ok {
		<-it.done
		it.cancel()
		var zero T
		it.cur = zero
		return false
	}
	it.cur = v
	return true
}

func (it *Iterator[T]) Value() T { return it.cur }

// Err returns the producer's error once Next has returned false.
func (it *Iterator[T]) Err() error {
	select {
	case <-it.done:
		return it.err
	default:
		return nil
	}
}

// Close cancels the producer and waits for it to release its resources.
func (it *Iterator[T]) Close() error {
	if it.closed {
		return it.Err()
	}
	it.closed = true
	it.cancel()
	for range it.ch {
	}
	<-it.done
	return it.err
}
