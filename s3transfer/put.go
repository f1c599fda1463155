package s3transfer

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-s3transfer/s3transfer/planner"
	"github.com/bitrise-io/go-s3transfer/s3transfer/signing"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/docker/go-units"
)

const (
	maxControlResponse = 1 * units.MiB
	abortAttempts      = 3
	abortTimeout       = 30 * time.Second
)

// Headers forwarded from the original PUT to upload part requests.
// Object metadata belongs to the create request only.
var partHeaderPrefixes = []string{
	"X-Amz-Server-Side-Encryption-Customer-",
	"X-Amz-Request-Payer",
	"X-Amz-Expected-Bucket-Owner",
}

func (m *MetaRequest) runPut() error {
	body, size, err := m.putBody()
	if err != nil {
		return err
	}
	m.setTotal(size)

	partSize := uploadPartSize(size, m.partSize)
	if size < 0 {
		// Peek one byte past a part to learn whether a single PUT does.
		buf := make([]byte, partSize+1)
		n, err := io.ReadFull(body, buf)
		switch {
		case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
			m.setTotal(int64(n))
			return m.putSingle(buf[:n])
		case err != nil:
			return fmt.Errorf("read body: %w", err)
		}
		m.logger.Debugf("Body size unknown, streaming a multipart upload in %s parts", units.HumanSize(float64(partSize)))
		return m.runMultipart(io.MultiReader(bytes.NewReader(buf), body), planner.PlanPut(-1, partSize), partSize)
	}

	plan := planner.PlanPut(size, partSize)
	if !plan.Multipart {
		data := make([]byte, size)
		if _, err := io.ReadFull(body, data); err != nil {
			return fmt.Errorf("read body: expected %d bytes: %w", size, err)
		}
		return m.putSingle(data)
	}
	m.logger.Debugf("Uploading %s in %d parts", units.HumanSize(float64(size)), len(plan.Parts))
	return m.runMultipart(body, plan, partSize)
}

// putBody returns the upload source and its size, -1 when unknown.
func (m *MetaRequest) putBody() (io.Reader, int64, error) {
	if m.send != nil {
		return m.send.reader(), m.send.size, nil
	}

	req := m.template
	if req.Body == nil || req.Body == http.NoBody {
		return bytes.NewReader(nil), 0, nil
	}
	if req.ContentLength > 0 {
		return req.Body, req.ContentLength, nil
	}
	if v := req.Header.Get("Content-Length"); v != "" {
		size, err := strconv.ParseInt(v, 10, 64)
		if err != nil || size < 0 {
			return nil, 0, configError("Content-Length", fmt.Errorf("invalid value %q", v))
		}
		return req.Body, size, nil
	}
	return req.Body, -1, nil
}

// uploadPartSize grows partSize so that size fits into the part limit.
func uploadPartSize(size, partSize int64) int64 {
	if size <= 0 {
		return partSize
	}
	if least := (size + maxUploadParts - 1) / maxUploadParts; least > partSize {
		return least
	}
	return partSize
}

func contentMD5(data []byte) (b64, hexSum string) {
	sum := md5.Sum(data)
	return base64.StdEncoding.EncodeToString(sum[:]), hex.EncodeToString(sum[:])
}

func (m *MetaRequest) putSingle(data []byte) error {
	part := planner.PlanPut(int64(len(data)), int64(len(data))).Parts[0]
	m.addParts(&part)

	md5B64, _ := contentMD5(data)
	var (
		status int
		header http.Header
	)
	err := m.executePart(m.ctx, &part, partAttempt{
		label:    "put object",
		estimate: int64(len(data)),
		build: func(ctx context.Context) (*http.Request, string, error) {
			req := m.template.Clone(ctx)
			setBody(req, data)
			req.Header.Del("Content-Length")
			req.Header.Set("Content-MD5", md5B64)
			return req, signing.UnsignedPayload, nil
		},
		handle: func(_ context.Context, resp *http.Response) (int64, error) {
			if resp.StatusCode >= 300 {
				return 0, newResponseStatusError(resp)
			}
			drainAndClose(resp)
			status, header = resp.StatusCode, resp.Header.Clone()
			return int64(len(data)), nil
		},
	}, m.tries())
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}

	m.addProgress(int64(len(data)))
	m.reporter.headers(status, header)
	return nil
}

func (m *MetaRequest) runMultipart(body io.Reader, plan planner.Plan, partSize int64) error {
	uploadID, err := m.createUpload()
	if err != nil {
		return fmt.Errorf("create multipart upload: %w", err)
	}
	m.logger.Debugf("Created multipart upload %s", uploadID)

	err = m.uploadParts(uploadID, body, plan, partSize)
	if err == nil {
		m.setState(StateCompleting)
		err = m.completeUpload(uploadID)
	}
	if err != nil {
		m.abortUpload(uploadID)
		return err
	}
	return nil
}

// partSource yields the upload parts in order.
type partSource struct {
	body     io.Reader
	plan     planner.Plan
	partSize int64
	offset   int64
}

// next returns nil once the body is exhausted.
func (s *partSource) next(index int) (*planner.Part, []byte, error) {
	if !s.plan.Streaming {
		if index >= len(s.plan.Parts) {
			return nil, nil, nil
		}
		part := s.plan.Parts[index]
		data := make([]byte, part.Range.Len())
		if _, err := io.ReadFull(s.body, data); err != nil {
			return nil, nil, fmt.Errorf("read part %d: %w", part.Number(), err)
		}
		return &part, data, nil
	}

	data := make([]byte, s.partSize)
	n, err := io.ReadFull(s.body, data)
	switch {
	case errors.Is(err, io.EOF):
		return nil, nil, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
	case err != nil:
		return nil, nil, fmt.Errorf("read part %d: %w", index+1, err)
	}

	part := planner.NextStreamingPart(index, s.offset, int64(n))
	s.offset += int64(n)
	return &part, data[:n], nil
}

func (m *MetaRequest) uploadParts(uploadID string, body io.Reader, plan planner.Plan, partSize int64) error {
	src := &partSource{body: body, plan: plan, partSize: partSize}

	var wg sync.WaitGroup
	for index := 0; ; index++ {
		if err := m.takeWindow(m.ctx); err != nil {
			break
		}

		part, data, err := src.next(index)
		if err == nil && part != nil && index >= maxUploadParts {
			err = fmt.Errorf("body exceeds %d parts of %s", maxUploadParts, units.HumanSize(float64(partSize)))
		}
		if err != nil {
			m.returnWindow()
			m.fail(err)
			break
		}
		if part == nil {
			m.returnWindow()
			break
		}
		m.addParts(part)

		wg.Add(1)
		go func(part *planner.Part, data []byte) {
			defer wg.Done()
			defer m.returnWindow()

			if err := m.uploadPart(uploadID, part, data); err != nil {
				m.fail(fmt.Errorf("upload part %d: %w", part.Number(), err))
				return
			}
			m.addProgress(int64(len(data)))
		}(part, data)
	}
	wg.Wait()

	if err := m.failureErr(); err != nil {
		return err
	}
	if err := m.ctx.Err(); err != nil {
		return err
	}
	if plan.Streaming {
		m.setTotal(src.offset)
	}
	return nil
}

func (m *MetaRequest) uploadPart(uploadID string, part *planner.Part, data []byte) error {
	md5B64, md5Hex := contentMD5(data)
	query := url.Values{}
	query.Set("partNumber", strconv.Itoa(part.Number()))
	query.Set("uploadId", uploadID)

	return m.executePart(m.ctx, part, partAttempt{
		label:    fmt.Sprintf("part %d", part.Number()),
		estimate: int64(len(data)),
		build: func(ctx context.Context) (*http.Request, string, error) {
			req := m.controlRequest(ctx, http.MethodPut, query, partHeaderPrefixes)
			setBody(req, data)
			req.Header.Set("Content-MD5", md5B64)
			return req, signing.UnsignedPayload, nil
		},
		handle: func(_ context.Context, resp *http.Response) (int64, error) {
			if resp.StatusCode >= 300 {
				return 0, newResponseStatusError(resp)
			}
			drainAndClose(resp)

			etag := resp.Header.Get("ETag")
			if etag == "" {
				return 0, fmt.Errorf("response has no ETag")
			}
			if stored := strings.Trim(etag, `"`); len(stored) == 32 && !strings.EqualFold(stored, md5Hex) {
				return 0, &ChecksumMismatchError{PartNumber: part.Number(), Expected: md5Hex, Actual: stored}
			}

			m.mu.Lock()
			part.ETag = etag
			m.mu.Unlock()
			return int64(len(data)), nil
		},
	}, m.tries())
}

func (m *MetaRequest) createUpload() (string, error) {
	var uploadID string
	err := m.executePart(m.ctx, nil, partAttempt{
		label: "create multipart upload",
		build: func(ctx context.Context) (*http.Request, string, error) {
			req := m.template.Clone(ctx)
			req.Method = http.MethodPost
			req.URL.RawQuery = "uploads"
			setBody(req, nil)
			req.Header.Del("Content-Length")
			req.Header.Del("Content-MD5")
			return req, signing.EmptyPayloadHash, nil
		},
		handle: func(_ context.Context, resp *http.Response) (int64, error) {
			if resp.StatusCode >= 300 {
				return 0, newResponseStatusError(resp)
			}
			body, err := m.readBody(m.ctx, resp, maxControlResponse)
			if err != nil {
				return 0, err
			}
			if uploadID, err = parseInitiateResult(body); err != nil {
				return 0, err
			}
			return 0, nil
		},
	}, m.tries())
	return uploadID, err
}

func (m *MetaRequest) completeUpload(uploadID string) error {
	m.mu.Lock()
	parts := append([]*planner.Part(nil), m.parts...)
	m.mu.Unlock()

	payload, err := marshalCompleteRequest(parts)
	if err != nil {
		return err
	}
	query := url.Values{}
	query.Set("uploadId", uploadID)

	var (
		status int
		header http.Header
	)
	err = m.executePart(m.ctx, nil, partAttempt{
		label: "complete multipart upload",
		build: func(ctx context.Context) (*http.Request, string, error) {
			req := m.controlRequest(ctx, http.MethodPost, query, partHeaderPrefixes)
			setBody(req, payload)
			req.Header.Set("Content-Type", "application/xml")
			return req, signing.PayloadHash(payload), nil
		},
		handle: func(_ context.Context, resp *http.Response) (int64, error) {
			if resp.StatusCode >= 300 {
				return 0, newResponseStatusError(resp)
			}
			body, err := m.readBody(m.ctx, resp, maxControlResponse)
			if err != nil {
				return 0, err
			}
			etag, err := parseCompleteResult(resp.StatusCode, body)
			if err != nil {
				return 0, err
			}

			status, header = resp.StatusCode, resp.Header.Clone()
			header.Del("Content-Length")
			header.Del("Content-Type")
			if header.Get("ETag") == "" && etag != "" {
				header.Set("ETag", etag)
			}
			return 0, nil
		},
	}, m.tries())
	if err != nil {
		return fmt.Errorf("complete multipart upload: %w", err)
	}

	m.reporter.headers(status, header)
	return nil
}

// abortUpload discards the uploaded parts. It runs after cancellation, so
// it uses its own context.
func (m *MetaRequest) abortUpload(uploadID string) {
	query := url.Values{}
	query.Set("uploadId", uploadID)

	err := retry.Times(abortAttempts - 1).Wait(m.cfg.RetryWaitMin).TryWithAbort(func(attempt uint) (error, bool) {
		ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
		defer cancel()

		err := m.executePart(ctx, nil, partAttempt{
			label: "abort multipart upload",
			build: func(ctx context.Context) (*http.Request, string, error) {
				req := m.controlRequest(ctx, http.MethodDelete, query, partHeaderPrefixes)
				return req, signing.EmptyPayloadHash, nil
			},
			handle: func(_ context.Context, resp *http.Response) (int64, error) {
				if resp.StatusCode >= 300 {
					return 0, newResponseStatusError(resp)
				}
				drainAndClose(resp)
				return 0, nil
			},
		}, 1)
		if err == nil {
			return nil, false
		}

		var statusErr *ResponseStatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
			// already gone
			return nil, true
		}
		m.logger.Warnf("%d attempt failed: %s", attempt+1, err)
		return err, false
	})
	if err != nil {
		m.logger.Errorf("Failed to abort multipart upload %s, its parts keep being stored: %s", uploadID, err)
		return
	}
	m.logger.Debugf("Aborted multipart upload %s", uploadID)
}

// controlRequest builds a request to the object URL that only carries the
// original headers matching prefixes.
func (m *MetaRequest) controlRequest(ctx context.Context, method string, query url.Values, prefixes []string) *http.Request {
	u := *m.template.URL
	u.RawQuery = query.Encode()

	header := http.Header{}
	for name, values := range m.template.Header {
		for _, prefix := range prefixes {
			if strings.HasPrefix(name, prefix) {
				header[name] = append([]string(nil), values...)
				break
			}
		}
	}

	req := (&http.Request{
		Method:     method,
		URL:        &u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
		Host:       m.template.Host,
	}).WithContext(ctx)
	return req
}

func setBody(req *http.Request, data []byte) {
	req.ContentLength = int64(len(data))
	if len(data) == 0 {
		req.Body = http.NoBody
		req.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
		return
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
}
