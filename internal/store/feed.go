package store

import (
	"sync"

	"github.com/mmcdole/rescache/internal/domain"
)

type subscriber struct {
	id int
	fn func(domain.ChangeBatch)
}

// feed delivers committed batches to subscribers from one goroutine,
// preserving commit order. Publishing never blocks the committer.
type feed struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []domain.ChangeBatch
	subs   []subscriber
	nextID int
	closed bool
	done   chan struct{}

	published uint64 // Batches accepted
	delivered uint64 // Batches handed to every subscriber
}

func newFeed() *feed {
	f := &feed{done: make(chan struct{})}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *feed) subscribe(fn func(domain.ChangeBatch)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	f.subs = append(f.subs, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			for i, s := range f.subs {
				if s.id == id {
					f.subs = append(f.subs[:i:i], f.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (f *feed) publish(batch domain.ChangeBatch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.queue = append(f.queue, batch)
	f.published++
	f.cond.Broadcast()
}

func (f *feed) run() {
	defer close(f.done)
	for {
		f.mu.Lock()
		for len(f.queue) == 0 && !f.closed {
			f.cond.Wait()
		}
		if len(f.queue) == 0 {
			f.mu.Unlock()
			return
		}
		batch := f.queue[0]
		f.queue = f.queue[1:]
		subs := append([]subscriber(nil), f.subs...)
		f.mu.Unlock()

		for _, s := range subs {
			s.fn(batch)
		}

		f.mu.Lock()
		f.delivered++
		f.cond.Broadcast()
		f.mu.Unlock()
	}
}

// flush waits until every batch published before the call has been delivered.
// Calling it from a subscriber deadlocks.
func (f *feed) flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	target := f.published
	for f.delivered < target {
		f.cond.Wait()
	}
}

// close stops intake and waits until queued batches have been delivered.
func (f *feed) close() {
	f.mu.Lock()
	f.closed = true
	f.cond.Broadcast()
	f.mu.Unlock()
	<-f.done
}
