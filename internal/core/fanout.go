package core

import "sync"

// Fanout is a PCMStream that copies published frames to every subscriber.
// A subscriber whose buffer is full misses the frame.
type Fanout struct {
	rate int

	mu     sync.Mutex
	subs   map[int]chan []int16
	next   int
	closed bool
}

var _ PCMStream = (*Fanout)(nil)

func NewFanout(sampleRate int) *Fanout {
	return &Fanout{rate: sampleRate, subs: make(map[int]chan []int16)}
}

func (f *Fanout) SampleRate() int { return f.rate }

func (f *Fanout) Subscribe(buffer int) (<-chan []int16, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan []int16, buffer)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.next
	f.next++
	f.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if sub, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(sub)
			}
		})
	}
}

// Publish hands frame to all subscribers without blocking. Subscribers must
// treat the slice as read-only.
func (f *Fanout) Publish(frame []int16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- frame:
		default:
		}
	}
}

// Close ends every subscription. Idempotent.
func (f *Fanout) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
