package s3transfer

import (
	"net/http"
	"sync"
)

// Progress reports transferred bytes.
type Progress struct {
	// Delta is the number of bytes since the previous event.
	Delta int64
	// Cumulative is the number of bytes so far. It never decreases.
	Cumulative int64
	// Total is the object size, -1 while unknown.
	Total int64
}

// Callbacks receive the events of one MetaRequest. Every field may be nil.
// Callbacks of a MetaRequest are never invoked concurrently.
type Callbacks struct {
	// OnHeaders is invoked at most once, with the headers describing the whole object.
	OnHeaders func(status int, header http.Header)
	// OnBody receives GET data in ascending offset order. chunk is only
	// valid during the call.
	OnBody func(chunk []byte, offset int64)
	// OnProgress ...
	OnProgress func(p Progress)
	// OnFinish is invoked exactly once, last. err is nil on success.
	OnFinish func(err error)
}

type eventKind int

const (
	eventHeaders eventKind = iota
	eventBody
	eventProgress
	eventFinish
)

type event struct {
	kind     eventKind
	status   int
	header   http.Header
	chunk    []byte
	offset   int64
	progress Progress
	err      error
	// delivered runs once the event was handled or dropped.
	delivered func()
}

// reporter delivers the events of one MetaRequest from a single goroutine.
type reporter struct {
	callbacks Callbacks

	mu         sync.Mutex
	queue      []event
	canceled   bool
	headerSent bool
	finished   bool
	wake       chan struct{}
	done       chan struct{}
}

func newReporter(callbacks Callbacks) *reporter {
	r := &reporter{
		callbacks: callbacks,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *reporter) post(ev event) {
	r.mu.Lock()
	if r.finished || (r.canceled && ev.kind != eventFinish) {
		r.mu.Unlock()
		if ev.delivered != nil {
			ev.delivered()
		}
		return
	}
	if ev.kind == eventHeaders {
		if r.headerSent {
			r.mu.Unlock()
			return
		}
		r.headerSent = true
	}
	if ev.kind == eventFinish {
		r.finished = true
	}
	r.queue = append(r.queue, ev)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *reporter) headers(status int, header http.Header) {
	r.post(event{kind: eventHeaders, status: status, header: header})
}

func (r *reporter) body(chunk []byte, offset int64, delivered func()) {
	r.post(event{kind: eventBody, chunk: chunk, offset: offset, delivered: delivered})
}

func (r *reporter) progress(p Progress) {
	r.post(event{kind: eventProgress, progress: p})
}

func (r *reporter) finish(err error) {
	r.post(event{kind: eventFinish, err: err})
}

// cancel drops queued and future data events. An event already being
// delivered completes.
func (r *reporter) cancel() {
	r.mu.Lock()
	r.canceled = true
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *reporter) run() {
	defer close(r.done)

	for range r.wake {
		for {
			r.mu.Lock()
			if len(r.queue) == 0 {
				r.mu.Unlock()
				break
			}
			ev := r.queue[0]
			r.queue = r.queue[1:]
			drop := r.canceled && ev.kind != eventFinish
			r.mu.Unlock()

			if !drop {
				r.deliver(ev)
			}
			if ev.delivered != nil {
				ev.delivered()
			}
			if ev.kind == eventFinish {
				return
			}
		}
	}
}

func (r *reporter) deliver(ev event) {
	switch ev.kind {
	case eventHeaders:
		if r.callbacks.OnHeaders != nil {
			r.callbacks.OnHeaders(ev.status, ev.header)
		}
	case eventBody:
		if r.callbacks.OnBody != nil {
			r.callbacks.OnBody(ev.chunk, ev.offset)
		}
	case eventProgress:
		if r.callbacks.OnProgress != nil {
			r.callbacks.OnProgress(ev.progress)
		}
	case eventFinish:
		if r.callbacks.OnFinish != nil {
			r.callbacks.OnFinish(ev.err)
		}
	}
}
