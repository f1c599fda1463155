package s3transfer

import (
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReporter_DeliversInOrder(t *testing.T) {
	var events []string
	r := newReporter(Callbacks{
		OnHeaders: func(status int, header http.Header) {
			events = append(events, "headers")
		},
		OnBody: func(chunk []byte, offset int64) {
			events = append(events, "body:"+string(chunk))
		},
		OnProgress: func(p Progress) {
			events = append(events, "progress")
		},
		OnFinish: func(err error) {
			events = append(events, "finish")
		},
	})

	var delivered atomic.Int32
	r.headers(http.StatusOK, http.Header{})
	r.headers(http.StatusOK, http.Header{})
	r.body([]byte("a"), 0, func() { delivered.Add(1) })
	r.progress(Progress{Delta: 1, Cumulative: 1, Total: 2})
	r.body([]byte("b"), 1, func() { delivered.Add(1) })
	r.finish(nil)
	r.body([]byte("late"), 2, func() { delivered.Add(1) })

	<-r.done
	assert.Equal(t, []string{"headers", "body:a", "progress", "body:b", "finish"}, events)
	assert.Equal(t, int32(3), delivered.Load())
}

func TestReporter_NilCallbacks(t *testing.T) {
	r := newReporter(Callbacks{})
	r.headers(http.StatusOK, nil)
	r.body([]byte("a"), 0, nil)
	r.progress(Progress{})
	r.finish(errors.New("failed"))

	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("reporter did not finish")
	}
}

func TestReporter_CancelDropsQueuedEvents(t *testing.T) {
	block := make(chan struct{})
	entered := make(chan struct{})

	var (
		mu        sync.Mutex
		bodies    int
		finishErr error
		finished  int
	)
	r := newReporter(Callbacks{
		OnBody: func(chunk []byte, offset int64) {
			mu.Lock()
			bodies++
			first := bodies == 1
			mu.Unlock()
			if first {
				close(entered)
				<-block
			}
		},
		OnFinish: func(err error) {
			mu.Lock()
			finished++
			finishErr = err
			mu.Unlock()
		},
	})

	released := 0
	var releasedMu sync.Mutex
	release := func() {
		releasedMu.Lock()
		released++
		releasedMu.Unlock()
	}

	r.body([]byte("a"), 0, release)
	<-entered
	for i := 1; i <= 5; i++ {
		r.body([]byte("b"), int64(i), release)
	}
	r.cancel()
	r.body([]byte("c"), 6, release)
	r.finish(ErrCanceled)
	close(block)

	<-r.done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, bodies, "only the event being delivered at cancel time may fire")
	assert.Equal(t, 1, finished)
	require.ErrorIs(t, finishErr, ErrCanceled)

	releasedMu.Lock()
	defer releasedMu.Unlock()
	assert.Equal(t, 7, released, "dropped events still release their buffers")
}
