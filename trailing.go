package iterflow

import (
	"context"
	"iter"
	"slices"

	"golang.org/x/sync/errgroup"
)

// TrailingGroupBy groups src by key in memory, holding at most
// totalItemsInMemory elements at once.
//
// A group is emitted as soon as it reaches maxGroupSize. When the buffer is
// full, the largest group (the earliest buffered one on a tie) is emitted to
// make room before the next element is admitted. Remaining groups are emitted
// in first-seen order when src ends. Under high key cardinality one key may
// therefore be split across several emitted groups.
func TrailingGroupBy[T any](src iter.Seq2[T, error], keyFn KeyFunc[T], maxGroupSize, totalItemsInMemory int) (iter.Seq2[Group[T], error], error) {
	cfg := newConfig(nil)
	if src == nil {
		cfg.invalid("source must not be nil")
	}
	if keyFn == nil {
		cfg.invalid("key function must not be nil")
	}
	if maxGroupSize <= 0 {
		cfg.invalid("max group size must be positive, got %d", maxGroupSize)
	}
	if totalItemsInMemory <= 0 {
		cfg.invalid("total items in memory must be positive, got %d", totalItemsInMemory)
	}
	if err := newConfigError(cfg.errors); err != nil {
		return nil, err
	}

	return func(yield func(Group[T], error) bool) {
		trailingGroups(src, keyFn, maxGroupSize, totalItemsInMemory, newGroupBuffer[T](), yield)
	}, nil
}

func trailingGroups[T any](src iter.Seq2[T, error], keyFn KeyFunc[T], maxGroupSize, ceiling int, buf *groupBuffer[T], yield func(Group[T], error) bool) {
	var zero Group[T]

	for item, err := range src {
		if err != nil {
			yield(zero, err)
			return
		}

		if buf.total >= ceiling {
			if key, ok := buf.largest(); ok {
				if !yield(Group[T]{Key: key, Items: buf.take(key)}, nil) {
					return
				}
			}
		}

		key := keyFn(item)
		if buf.add(key, item) >= maxGroupSize {
			if !yield(Group[T]{Key: key, Items: buf.take(key)}, nil) {
				return
			}
		}
	}

	for len(buf.order) > 0 {
		key := buf.order[0]
		if !yield(Group[T]{Key: key, Items: buf.take(key)}, nil) {
			return
		}
	}
}

// groupBuffer holds the non-empty groups in the order their keys were first buffered.
type groupBuffer[T any] struct {
	order  []string
	groups map[string][]T
	total  int

	observe func(total int) // Called after every add, if set
}

func newGroupBuffer[T any]() *groupBuffer[T] {
	return &groupBuffer[T]{groups: make(map[string][]T)}
}

// add appends item to its group and returns the new group length.
func (b *groupBuffer[T]) add(key string, item T) int {
	items, ok := b.groups[key]
	if !ok {
		b.order = append(b.order, key)
	}
	items = append(items, item)
	b.groups[key] = items
	b.total++
	if b.observe != nil {
		b.observe(b.total)
	}
	return len(items)
}

// take removes and returns the group of key.
func (b *groupBuffer[T]) take(key string) []T {
	items := b.groups[key]
	delete(b.groups, key)
	if i := slices.Index(b.order, key); i >= 0 {
		b.order = slices.Delete(b.order, i, i+1)
	}
	b.total -= len(items)
	return items
}

// largest returns the key of the biggest group; the earliest one wins a tie.
func (b *groupBuffer[T]) largest() (string, bool) {
	best, size := "", 0
	for _, key := range b.order {
		if n := len(b.groups[key]); n > size {
			best, size = key, n
		}
	}
	return best, size > 0
}

// MapFunc transforms one element. ctx is canceled once another call fails or
// the consumer stops.
type MapFunc[T, R any] func(ctx context.Context, item T) (R, error)

// TrailingMap applies fn to every element of src with at most maxConcurrency
// calls in flight. Results are yielded in completion order, not input order.
//
// When the limit is reached the next element is only pulled once any call
// finishes. After src ends, every in-flight call still completes and is
// yielded. The first error returned by fn cancels the remaining calls and is
// yielded last; a source error stops pulling and is yielded after the calls
// already started have been delivered.
func TrailingMap[T, R any](ctx context.Context, src iter.Seq2[T, error], fn MapFunc[T, R], maxConcurrency int) (iter.Seq2[R, error], error) {
	cfg := newConfig(nil)
	if src == nil {
		cfg.invalid("source must not be nil")
	}
	if fn == nil {
		cfg.invalid("map function must not be nil")
	}
	if maxConcurrency <= 0 {
		cfg.invalid("max concurrency must be positive, got %d", maxConcurrency)
	}
	if err := newConfigError(cfg.errors); err != nil {
		return nil, err
	}

	return func(yield func(R, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)

		// A slot is taken before every pull and released when the call is done.
		slots := make(chan struct{}, maxConcurrency)
		results := make(chan R, maxConcurrency)
		var srcErr, taskErr error

		go func() {
			defer close(results)

			next, stop := iter.Pull2(src)
			defer stop()

		pull:
			for {
				select {
				case slots <- struct{}{}:
				case <-gctx.Done():
					break pull
				}

				item, err, ok := next()
				if !ok || err != nil || gctx.Err() != nil {
					<-slots
					if ok && err != nil {
						srcErr = err
					}
					break
				}

				g.Go(func() error {
					defer func() { <-slots }()
					r, err := fn(gctx, item)
					if err != nil {
						return err
					}
					select {
					case results <- r:
						return nil
					case <-gctx.Done():
						return gctx.Err()
					}
				})
			}
			taskErr = g.Wait()
		}()

		for r := range results {
			if !yield(r, nil) {
				cancel()
				for range results {
				}
				return
			}
		}

		var zero R
		switch {
		case taskErr != nil:
			yield(zero, taskErr)
		case srcErr != nil:
			yield(zero, srcErr)
		}
	}, nil
}
