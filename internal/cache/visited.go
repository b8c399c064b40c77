package cache

import (
	"context"
	"sync"
	"time"

	"github.com/louisbranch/sievecache/internal/cache/storage"
)

// markTimeout bounds one background visited write so a wedged store cannot
// stall the marker goroutine indefinitely.
const markTimeout = time.Second

// marker applies visited flags in the background. Enqueue never blocks and
// every write failure is absorbed: either a duplicate mark already set the
// flag, or the row is mid-eviction and about to disappear anyway.
type marker struct {
	store storage.Store
	ids   chan int64
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newMarker(store storage.Store, queueSize int) *marker {
	m := &marker{
		store: store,
		ids:   make(chan int64, queueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go m.run()
	return m
}

// Enqueue hands an entry id to the marker. A full queue drops the mark.
func (m *marker) Enqueue(id int64) {
	if m == nil || id <= 0 {
		return
	}
	select {
	case m.ids <- id:
	default:
	}
}

// Close stops the marker after draining whatever is already queued.
func (m *marker) Close() {
	if m == nil {
		return
	}
	m.once.Do(func() {
		close(m.stop)
	})
	<-m.done
}

func (m *marker) run() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			for {
				select {
				case id := <-m.ids:
					m.mark(id)
				default:
					return
				}
			}
		case id := <-m.ids:
			m.mark(id)
		}
	}
}

func (m *marker) mark(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), markTimeout)
	defer cancel()
	// Contention and write failure are both silently absorbed.
	_ = m.store.MarkVisited(ctx, id)
}
