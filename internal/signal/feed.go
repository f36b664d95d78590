package signal

import "sync"

// Feed is an unbounded, ordered, single-consumer queue. Push never blocks;
// values come out of C in push order until Close.
type Feed[T any] struct {
	mu    sync.Mutex
	queue []T
	wake  chan struct{}
	quit  chan struct{}
	out   chan T
	once  sync.Once
}

// NewFeed creates a feed and starts its delivery goroutine.
func NewFeed[T any]() *Feed[T] {
	f := &Feed[T]{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		out:  make(chan T),
	}
	go f.pump()
	return f
}

// C returns the delivery channel. It is closed after Close.
func (f *Feed[T]) C() <-chan T { return f.out }

// Push enqueues v. Pushing to a closed feed is a no-op.
func (f *Feed[T]) Push(v T) {
	select {
	case <-f.quit:
		return
	default:
	}
	f.mu.Lock()
	f.queue = append(f.queue, v)
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Close stops delivery and closes C. Queued values are dropped.
func (f *Feed[T]) Close() {
	f.once.Do(func() { close(f.quit) })
}

func (f *Feed[T]) pump() {
	defer close(f.out)
	for {
		f.mu.Lock()
		if len(f.queue) == 0 {
			f.mu.Unlock()
			select {
			case <-f.wake:
				continue
			case <-f.quit:
				return
			}
		}
		v := f.queue[0]
		var zero T
		f.queue[0] = zero
		f.queue = f.queue[1:]
		f.mu.Unlock()

		select {
		case f.out <- v:
		case <-f.quit:
			return
		}
	}
}
