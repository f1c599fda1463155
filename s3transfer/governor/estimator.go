package governor

import (
	"sync"
	"sync/atomic"
	"time"
)

const estimatorBuckets = 10

// DefaultWindow is the trailing window the throughput rate is measured over.
const DefaultWindow = time.Second

type bucket struct {
	epoch atomic.Int64
	bytes atomic.Int64
}

// Estimator tracks the aggregate byte rate of a client over a trailing window
// and the durations of completed parts, which drive hung attempt detection.
// It is shared by every Governor of a client.
type Estimator struct {
	width   time.Duration
	buckets [estimatorBuckets]bucket
	total   atomic.Int64
	now     func() time.Time

	mu            sync.Mutex
	sum           time.Duration
	sumBytes      int64
	finishedParts int64
}

// NewEstimator creates an Estimator measuring over window.
func NewEstimator(window time.Duration) *Estimator {
	if window <= 0 {
		window = DefaultWindow
	}
	width := window / estimatorBuckets
	if width <= 0 {
		width = time.Millisecond
	}

	e := &Estimator{width: width, now: time.Now}
	for i := range e.buckets {
		e.buckets[i].epoch.Store(-1)
	}
	return e
}

func (e *Estimator) epoch() int64 {
	return e.now().UnixNano() / int64(e.width)
}

// Add records n transferred bytes.
// An add racing with the rollover of its bucket may be lost, the rate is an estimate.
func (e *Estimator) Add(n int64) {
	if n <= 0 {
		return
	}
	e.total.Add(n)

	epoch := e.epoch()
	b := &e.buckets[epoch%estimatorBuckets]
	for {
		current := b.epoch.Load()
		if current == epoch {
			b.bytes.Add(n)
			return
		}
		if b.epoch.CompareAndSwap(current, epoch) {
			b.bytes.Store(n)
			return
		}
	}
}

// Rate returns the bytes per second transferred over the trailing window.
func (e *Estimator) Rate() float64 {
	epoch := e.epoch()

	var sum int64
	for i := range e.buckets {
		b := &e.buckets[i]
		bucketEpoch := b.epoch.Load()
		if bucketEpoch > epoch-estimatorBuckets && bucketEpoch <= epoch {
			sum += b.bytes.Load()
		}
	}

	return float64(sum) / e.Window().Seconds()
}

// Window returns the trailing window Rate is measured over.
func (e *Estimator) Window() time.Duration {
	return e.width * estimatorBuckets
}

// TotalBytes returns every byte recorded since creation.
func (e *Estimator) TotalBytes() int64 {
	return e.total.Load()
}

// Update records the duration of a successfully completed part of bytes bytes.
func (e *Estimator) Update(d time.Duration, bytes int64) {
	if d <= 0 || bytes <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sum += d
	e.sumBytes += bytes
	e.finishedParts++
}

// Average returns the average duration of completed parts.
func (e *Estimator) Average() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finishedParts == 0 {
		return 0
	}
	return e.sum / time.Duration(e.finishedParts)
}

// Expected returns how long a part of bytes bytes should take, judged by the
// completed parts weighted by their size. Small requests therefore do not pull
// the expectation for large parts towards zero. It is 0 until a part completed.
func (e *Estimator) Expected(bytes int64) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.finishedParts == 0 {
		return 0
	}
	if bytes <= 0 {
		return e.sum / time.Duration(e.finishedParts)
	}
	return time.Duration(float64(e.sum) * float64(bytes) / float64(e.sumBytes))
}

// FinishedCount returns the number of completed parts.
func (e *Estimator) FinishedCount() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finishedParts
}
