package download

import (
	"sync"
	"time"

	"github.com/quayside/stackpilot/internal/store"
)

// Progress is the ephemeral, in-memory view of a running download. It is
// published on every received chunk and discarded when the task finalizes;
// only coarse checkpoints ever reach the persisted store.
type Progress struct {
	TaskID       string
	ArtifactName string
	Downloaded   int64
	Total        int64
	InstantSpeed float64 // bytes/sec over the last sample window
	AverageSpeed float64 // bytes/sec since the task started
	ETASeconds   float64
	Status       store.DownloadStatus
	At           time.Time
}

// Percent returns completion in [0,100], or 0 when the total is unknown.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Downloaded) / float64(p.Total) * 100
}

// Broadcaster fans Progress out to any number of observers. The producer
// never blocks on a slow consumer: when a subscriber's buffer is full the
// oldest update is dropped, since only the latest snapshot matters.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan Progress]struct{}
	buf  int
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broadcaster{subs: make(map[chan Progress]struct{}), buf: buffer}
}

// Subscribe registers an observer. The returned cancel func must be called
// to release the channel.
func (b *Broadcaster) Subscribe() (<-chan Progress, func()) {
	ch := make(chan Progress, b.buf)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers p to all subscribers, dropping the oldest buffered
// update where necessary.
func (b *Broadcaster) Publish(p Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		for {
			select {
			case ch <- p:
			default:
				// Buffer full: evict the oldest and retry once.
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}
