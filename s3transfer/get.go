package s3transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/bitrise-io/go-s3transfer/s3transfer/planner"
	"github.com/bitrise-io/go-s3transfer/s3transfer/signing"
	"github.com/bitrise-io/go-s3transfer/s3transfer/transport"
	"github.com/docker/go-units"
)

// streamChunkSize is the body event size of responses that are not split.
const streamChunkSize = 256 * units.KiB

// discovery is what the first ranged GET revealed about the object.
type discovery struct {
	total int64
	etag  string
	body  []byte
	// whole is set when the endpoint ignored the range and the full object
	// was already streamed.
	whole bool
}

func (m *MetaRequest) runGet() error {
	if m.template.Header.Get("Range") != "" {
		return m.runDefault()
	}

	first := planner.DiscoveryPart(m.partSize)
	m.addParts(&first)

	if err := m.takeWindow(m.ctx); err != nil {
		return err
	}

	var disc discovery
	err := m.executePart(m.ctx, &first, partAttempt{
		label:    "discovery part",
		estimate: first.Range.Len(),
		build:    m.rangedGetBuilder(first.Range, ""),
		handle: func(ctx context.Context, resp *http.Response) (int64, error) {
			return m.handleDiscovery(ctx, resp, &disc)
		},
	}, m.tries())
	if err != nil {
		m.returnWindow()
		return fmt.Errorf("get %s: %w", first.Range.HeaderValue(), err)
	}
	if disc.whole {
		m.returnWindow()
		return nil
	}

	m.setTotal(disc.total)
	if m.recv != nil && len(disc.body) > 0 {
		if err := m.recv.WriteAt(disc.body, 0); err != nil {
			m.returnWindow()
			return err
		}
	}

	rest := planner.PlanGetRemainder(disc.total, m.partSize)
	parts := make([]*planner.Part, len(rest))
	for i := range rest {
		parts[i] = &rest[i]
	}
	m.addParts(parts...)
	m.logger.Debugf("Object is %s, downloading %d more parts", units.HumanSize(float64(disc.total)), len(parts))

	ordered := newOrderedDelivery(m)
	ordered.complete(first.Index, 0, disc.body)

	var wg sync.WaitGroup
	for _, part := range parts {
		if err := m.takeWindow(m.ctx); err != nil {
			break
		}

		wg.Add(1)
		go func(part *planner.Part) {
			defer wg.Done()

			data, err := m.getPart(part, disc.etag)
			if err == nil && m.recv != nil {
				err = m.recv.WriteAt(data, part.Range.Start)
			}
			if err != nil {
				m.returnWindow()
				m.fail(fmt.Errorf("get part %d (%s): %w", part.Number(), part.Range.HeaderValue(), err))
				return
			}

			ordered.complete(part.Index, part.Range.Start, data)
		}(part)
	}
	wg.Wait()

	if err := m.failureErr(); err != nil {
		return err
	}
	return m.ctx.Err()
}

func (m *MetaRequest) getPart(part *planner.Part, etag string) ([]byte, error) {
	var data []byte
	err := m.executePart(m.ctx, part, partAttempt{
		label:    fmt.Sprintf("part %d", part.Number()),
		estimate: part.Range.Len(),
		build:    m.rangedGetBuilder(part.Range, etag),
		handle: func(_ context.Context, resp *http.Response) (int64, error) {
			body, err := m.readRangedPart(resp, part.Range)
			if err != nil {
				return 0, err
			}
			data = body
			return int64(len(body)), nil
		},
	}, m.tries())
	return data, err
}

func (m *MetaRequest) rangedGetBuilder(r planner.Range, etag string) func(ctx context.Context) (*http.Request, string, error) {
	return func(ctx context.Context) (*http.Request, string, error) {
		req := m.template.Clone(ctx)
		req.Body = nil
		req.GetBody = nil
		req.ContentLength = 0
		req.Header.Set("Range", r.HeaderValue())
		if etag != "" {
			req.Header.Set("If-Match", etag)
		}
		return req, signing.EmptyPayloadHash, nil
	}
}

// handleDiscovery reads the first part and learns the object size from it.
// An endpoint answering 200 ignored the range: the response is streamed
// as the whole object.
func (m *MetaRequest) handleDiscovery(ctx context.Context, resp *http.Response, disc *discovery) (int64, error) {
	header := resp.Header.Clone()
	header.Del("Content-Range")

	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, end, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			drainAndClose(resp)
			return 0, err
		}
		if start != 0 {
			drainAndClose(resp)
			return 0, fmt.Errorf("discovery response starts at byte %d", start)
		}

		want := end - start + 1
		body, err := m.readBody(m.ctx, resp, want)
		if err != nil {
			return 0, err
		}
		if int64(len(body)) != want {
			return 0, transport.Classify(m.gov.Endpoint().String(), fmt.Errorf("short body: got %d of %d bytes: %w", len(body), want, io.ErrUnexpectedEOF))
		}

		disc.total = total
		disc.etag = resp.Header.Get("ETag")
		disc.body = body
		header.Set("Content-Length", strconv.FormatInt(total, 10))
		m.reporter.headers(http.StatusOK, header)
		return int64(len(body)), nil

	case http.StatusOK:
		disc.whole = true
		m.setTotal(resp.ContentLength)
		m.logger.Debugf("Endpoint ignored the range, streaming the whole object")
		return m.streamResponse(ctx, resp, http.StatusOK, header)

	case http.StatusRequestedRangeNotSatisfiable:
		if resp.Header.Get("Content-Range") != "bytes */0" {
			return 0, newResponseStatusError(resp)
		}
		drainAndClose(resp)

		disc.total = 0
		disc.etag = resp.Header.Get("ETag")
		header.Del("Content-Type")
		header.Set("Content-Length", "0")
		m.reporter.headers(http.StatusOK, header)
		return 0, nil

	default:
		return 0, newResponseStatusError(resp)
	}
}

// readRangedPart reads a 206 response and verifies it covers exactly r.
func (m *MetaRequest) readRangedPart(resp *http.Response, r planner.Range) ([]byte, error) {
	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		drainAndClose(resp)
		return nil, fmt.Errorf("endpoint ignored the range of a later part")
	default:
		return nil, newResponseStatusError(resp)
	}

	start, end, _, err := parseContentRange(resp.Header.Get("Content-Range"))
	if err != nil {
		drainAndClose(resp)
		return nil, err
	}
	if start != r.Start || end != r.End-1 {
		drainAndClose(resp)
		return nil, fmt.Errorf("response range %d-%d does not match requested %s", start, end, r.HeaderValue())
	}

	body, err := m.readBody(m.ctx, resp, r.Len())
	if err != nil {
		return nil, err
	}
	if int64(len(body)) != r.Len() {
		return nil, transport.Classify(m.gov.Endpoint().String(), fmt.Errorf("short body: got %d of %d bytes: %w", len(body), r.Len(), io.ErrUnexpectedEOF))
	}
	return body, nil
}

// streamResponse delivers a response body as it arrives. Once a chunk was
// delivered the request can no longer be retried, so hung detection of the
// attempt is stopped before the first delivery.
func (m *MetaRequest) streamResponse(ctx context.Context, resp *http.Response, status int, header http.Header) (int64, error) {
	defer resp.Body.Close() //nolint:errcheck

	var offset int64
	for {
		if err := m.takeWindow(m.ctx); err != nil {
			return offset, err
		}

		buf := make([]byte, streamChunkSize)
		n, err := io.ReadFull(resp.Body, buf)
		if offset == 0 && (n > 0 || err == io.EOF) {
			if !disarmHungDetection(ctx) {
				m.returnWindow()
				return 0, ctx.Err()
			}
			m.reporter.headers(status, header)
		}
		if n > 0 {
			if m.recv != nil {
				if werr := m.recv.WriteAt(buf[:n], offset); werr != nil {
					m.returnWindow()
					return offset, &terminalError{err: werr}
				}
			}
			m.reporter.body(buf[:n], offset, m.returnWindow)
			offset += int64(n)
			m.addProgress(int64(n))
		} else {
			m.returnWindow()
		}

		switch {
		case err == nil:
		case err == io.EOF || err == io.ErrUnexpectedEOF:
			return offset, nil
		case m.ctx.Err() != nil:
			return offset, m.ctx.Err()
		default:
			classified := transport.Classify(m.gov.Endpoint().String(), err)
			if offset == 0 {
				return 0, classified
			}
			return offset, &terminalError{err: fmt.Errorf("body interrupted after %d bytes: %w", offset, classified)}
		}
	}
}

// parseContentRange parses "bytes start-end/total". end is inclusive.
func parseContentRange(v string) (start, end, total int64, err error) {
	byteRange, ok := strings.CutPrefix(v, "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", v)
	}

	rangePart, totalPart, ok := strings.Cut(byteRange, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", v)
	}
	startPart, endPart, ok := strings.Cut(rangePart, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", v)
	}

	if start, err = strconv.ParseInt(startPart, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q: %w", v, err)
	}
	if end, err = strconv.ParseInt(endPart, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q: %w", v, err)
	}
	if totalPart == "*" {
		return 0, 0, 0, fmt.Errorf("missing object size in Content-Range %q", v)
	}
	if total, err = strconv.ParseInt(totalPart, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q: %w", v, err)
	}
	if start > end || end >= total {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", v)
	}
	return start, end, total, nil
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}

// orderedDelivery releases part bodies in index order.
type orderedDelivery struct {
	m *MetaRequest

	mu      sync.Mutex
	next    int
	pending map[int]pendingChunk
}

type pendingChunk struct {
	offset int64
	data   []byte
}

func newOrderedDelivery(m *MetaRequest) *orderedDelivery {
	return &orderedDelivery{m: m, pending: map[int]pendingChunk{}}
}

// complete hands over the body of part index. Each part holds one window
// token that is returned once its body was delivered. Progress follows the
// released bodies, so it never runs ahead of the delivered offsets.
func (o *orderedDelivery) complete(index int, offset int64, data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.pending[index] = pendingChunk{offset: offset, data: data}
	for {
		chunk, ok := o.pending[o.next]
		if !ok {
			return
		}
		delete(o.pending, o.next)
		o.next++

		if len(chunk.data) == 0 {
			o.m.returnWindow()
			continue
		}
		o.m.reporter.body(chunk.data, chunk.offset, o.m.returnWindow)
		o.m.addProgress(int64(len(chunk.data)))
	}
}

func (m *MetaRequest) runDefault() error {
	part := planner.PlanDefault().Parts[0]
	m.addParts(&part)

	tries := m.tries()
	hasBody := m.template.Body != nil && m.template.Body != http.NoBody
	if hasBody && m.template.GetBody == nil {
		tries = 1
	}

	err := m.executePart(m.ctx, &part, partAttempt{
		label:    "request",
		estimate: m.partSize,
		build: func(ctx context.Context) (*http.Request, string, error) {
			req := m.template.Clone(ctx)
			if !hasBody {
				return req, signing.EmptyPayloadHash, nil
			}
			if m.template.GetBody != nil {
				body, err := m.template.GetBody()
				if err != nil {
					return nil, "", &terminalError{err: fmt.Errorf("rewind body: %w", err)}
				}
				req.Body = body
			}
			return req, signing.UnsignedPayload, nil
		},
		handle: func(ctx context.Context, resp *http.Response) (int64, error) {
			if resp.StatusCode >= 300 {
				return 0, newResponseStatusError(resp)
			}
			m.setTotal(resp.ContentLength)
			return m.streamResponse(ctx, resp, resp.StatusCode, resp.Header.Clone())
		},
	}, tries)
	if err != nil {
		return fmt.Errorf("%s %s: %w", m.template.Method, m.template.URL.Redacted(), err)
	}
	return nil
}
