// Package planner splits a logical object transfer into parts.
// Planning is pure: nothing in this package blocks or performs I/O.
package planner

import "fmt"

// Kind tells the executor which sub-request a part maps to.
type Kind int

const (
	// KindSingle sends the original request unsplit.
	KindSingle Kind = iota
	// KindRangedGet is a GET with a byte Range header.
	KindRangedGet
	// KindUploadPart is one part of a multipart upload.
	KindUploadPart
)

func (k Kind) String() string {
	switch k {
	case KindSingle:
		return "single"
	case KindRangedGet:
		return "ranged-get"
	case KindUploadPart:
		return "upload-part"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// State is the dispatch state of a part.
type State int

const (
	StatePending State = iota
	StateInFlight
	StateCompleted
	StateFailed
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in-flight"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Range is a half open byte range [Start, End).
type Range struct {
	Start int64
	End   int64
}

// Len returns the number of bytes in the range.
func (r Range) Len() int64 {
	return r.End - r.Start
}

// HeaderValue formats the range for an HTTP Range header.
// Callers must not use it for empty ranges.
func (r Range) HeaderValue() string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End-1)
}

// Part is one sub-request of a split transfer.
type Part struct {
	Index   int
	Kind    Kind
	Range   Range
	State   State
	Retries int
	// ETag is set once an upload part completes.
	ETag string
}

// Number returns the 1-based multipart upload part number.
func (p Part) Number() int {
	return p.Index + 1
}

// Plan is the result of planning a transfer.
type Plan struct {
	// Multipart is set for uploads that need initiate and complete requests around the parts.
	Multipart bool
	// Streaming is set when the upload size is unknown; parts are planned one by one.
	Streaming bool
	Parts     []Part
}

// SplitRanges partitions [0, size) into ranges of at most partSize bytes.
// A size of 0 yields a single empty range.
func SplitRanges(size, partSize int64) []Range {
	if size <= 0 || partSize <= 0 {
		return []Range{{Start: 0, End: 0}}
	}

	count := (size + partSize - 1) / partSize
	ranges := make([]Range, 0, count)
	for start := int64(0); start < size; start += partSize {
		end := start + partSize
		if end > size {
			end = size
		}
		ranges = append(ranges, Range{Start: start, End: end})
	}
	return ranges
}

// PlanDefault returns the single, unsplit part used for requests that are never split.
func PlanDefault() Plan {
	return Plan{Parts: []Part{{Index: 0, Kind: KindSingle}}}
}

// PlanPut plans an upload of size bytes. A negative size means the size is unknown.
func PlanPut(size, partSize int64) Plan {
	if size < 0 {
		return Plan{Streaming: true}
	}

	if size <= partSize {
		return Plan{Parts: []Part{{Index: 0, Kind: KindSingle, Range: Range{Start: 0, End: size}}}}
	}

	ranges := SplitRanges(size, partSize)
	parts := make([]Part, len(ranges))
	for i, r := range ranges {
		parts[i] = Part{Index: i, Kind: KindUploadPart, Range: r}
	}
	return Plan{Multipart: true, Parts: parts}
}

// NextStreamingPart plans the upload part at index starting at offset,
// for an upload whose size is only discovered while reading the body.
func NextStreamingPart(index int, offset, length int64) Part {
	return Part{Index: index, Kind: KindUploadPart, Range: Range{Start: offset, End: offset + length}}
}

// DiscoveryPart is the first ranged GET of a download. Its response reveals
// the object size and whether the endpoint honours ranges.
func DiscoveryPart(partSize int64) Part {
	return Part{Index: 0, Kind: KindRangedGet, Range: Range{Start: 0, End: partSize}}
}

// PlanGetRemainder plans the parts after the discovery part for an object of total bytes.
// It returns nil when the discovery part already covered the object.
func PlanGetRemainder(total, partSize int64) []Part {
	if total <= partSize {
		return nil
	}

	ranges := SplitRanges(total, partSize)[1:]
	parts := make([]Part, len(ranges))
	for i, r := range ranges {
		parts[i] = Part{Index: i + 1, Kind: KindRangedGet, Range: r}
	}
	return parts
}
