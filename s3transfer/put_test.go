package s3transfer

import (
	"bytes"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bitrise-io/go-s3transfer/internal/s3test"
	"github.com/bitrise-io/go-s3transfer/s3transfer/planner"
	"github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func submitPut(t *testing.T, c *Client, url string, body io.Reader, opts RequestOptions) (*MetaRequest, *recorder) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPut, url, body)
	require.NoError(t, err)

	rec := newRecorder()
	opts.Type = RequestTypePutObject
	opts.Callbacks = rec.callbacks()
	m, err := c.Submit(req, opts)
	require.NoError(t, err)
	return m, rec
}

// onlyReader hides the concrete type so the request size is unknown.
type onlyReader struct {
	io.Reader
}

func TestPutObject_Empty(t *testing.T) {
	srv := s3test.NewServer()
	defer srv.Close()

	c := newTestClient(t, testConfig())
	m, rec := submitPut(t, c, srv.ObjectURL("empty"), nil, RequestOptions{})
	require.NoError(t, waitDone(t, m))

	requests := srv.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, http.MethodPut, requests[0].Method)
	assert.Equal(t, int64(0), requests[0].Body)
	assert.Empty(t, srv.RequestsFor(s3test.OpInitiate))

	stored, ok := srv.Object("empty")
	require.True(t, ok)
	assert.Empty(t, stored)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"headers", "finish"}, rec.events)
	assert.Equal(t, http.StatusOK, rec.status)
	assert.Equal(t, `"d41d8cd98f00b204e9800998ecf8427e"`, rec.header.Get("ETag"))
}

func TestPutObject_Single(t *testing.T) {
	srv := s3test.NewServer()
	defer srv.Close()
	data := randomData(1, units.MiB)

	c := newTestClient(t, testConfig())
	req, err := http.NewRequest(http.MethodPut, srv.ObjectURL("small"), bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Amz-Meta-Origin", "test")

	rec := newRecorder()
	m, err := c.Submit(req, RequestOptions{Type: RequestTypePutObject, Callbacks: rec.callbacks()})
	require.NoError(t, err)
	require.NoError(t, waitDone(t, m))

	puts := srv.RequestsFor(s3test.OpPut)
	require.Len(t, puts, 1)
	assert.NotEmpty(t, puts[0].Header.Get("Content-MD5"))
	assert.Equal(t, "test", puts[0].Header.Get("X-Amz-Meta-Origin"))

	stored, ok := srv.Object("small")
	require.True(t, ok)
	assert.Equal(t, data, stored)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"progress", "headers", "finish"}, rec.events)
	assert.Equal(t, Progress{Delta: units.MiB, Cumulative: units.MiB, Total: units.MiB}, rec.progress[0])
}

func TestPutObject_Multipart(t *testing.T) {
	srv := s3test.NewServer()
	defer srv.Close()
	data := randomData(2, 12*units.MiB)

	c := newTestClient(t, testConfig())
	req, err := http.NewRequest(http.MethodPut, srv.ObjectURL("big"), bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("X-Amz-Meta-Origin", "test")

	rec := newRecorder()
	m, err := c.Submit(req, RequestOptions{Type: RequestTypePutObject, Callbacks: rec.callbacks()})
	require.NoError(t, err)
	require.NoError(t, waitDone(t, m))

	initiates := srv.RequestsFor(s3test.OpInitiate)
	require.Len(t, initiates, 1)
	assert.Equal(t, "test", initiates[0].Header.Get("X-Amz-Meta-Origin"))

	uploads := srv.RequestsFor(s3test.OpPart)
	require.Len(t, uploads, 3)
	for _, r := range uploads {
		assert.NotEmpty(t, r.Header.Get("Content-MD5"))
		assert.Empty(t, r.Header.Get("X-Amz-Meta-Origin"), "metadata only goes on the create request")
	}
	assert.Len(t, srv.RequestsFor(s3test.OpComplete), 1)
	assert.Empty(t, srv.RequestsFor(s3test.OpAbort))
	assert.Equal(t, 0, srv.OpenUploads())

	stored, ok := srv.Object("big")
	require.True(t, ok)
	assert.Equal(t, data, stored)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.GreaterOrEqual(t, len(rec.events), 2)
	assert.Equal(t, []string{"headers", "finish"}, rec.events[len(rec.events)-2:], "progress precedes the headers of an upload")
	assert.True(t, strings.HasSuffix(rec.header.Get("ETag"), `-3"`))
	assert.Equal(t, int64(12*units.MiB), rec.progress[len(rec.progress)-1].Cumulative)

	parts := m.Parts()
	require.Len(t, parts, 3)
	for i, p := range parts {
		assert.Equal(t, i, p.Index)
		assert.Equal(t, planner.KindUploadPart, p.Kind)
		assert.NotEmpty(t, p.ETag)
	}
}

func TestPutObject_UnknownSize(t *testing.T) {
	tests := []struct {
		name          string
		size          int
		wantMultipart bool
		wantParts     int
	}{
		{name: "fits a single PUT", size: 3 * units.MiB},
		{name: "exactly one part", size: 5 * units.MiB},
		{name: "one byte over", size: 5*units.MiB + 1, wantMultipart: true, wantParts: 2},
		{name: "several parts", size: 11 * units.MiB, wantMultipart: true, wantParts: 3},
		{name: "empty", size: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := s3test.NewServer()
			defer srv.Close()
			data := randomData(3, tt.size)

			c := newTestClient(t, testConfig())
			m, _ := submitPut(t, c, srv.ObjectURL("stream"), onlyReader{bytes.NewReader(data)}, RequestOptions{})
			require.NoError(t, waitDone(t, m))

			if tt.wantMultipart {
				assert.Len(t, srv.RequestsFor(s3test.OpInitiate), 1)
				assert.Len(t, srv.RequestsFor(s3test.OpPart), tt.wantParts)
				assert.Empty(t, srv.RequestsFor(s3test.OpPut))
			} else {
				assert.Empty(t, srv.RequestsFor(s3test.OpInitiate))
				assert.Len(t, srv.RequestsFor(s3test.OpPut), 1)
			}

			stored, ok := srv.Object("stream")
			require.True(t, ok)
			assert.Equal(t, len(data), len(stored))
			assert.True(t, bytes.Equal(data, stored))
		})
	}
}

func TestPutObject_SendFile(t *testing.T) {
	srv := s3test.NewServer()
	defer srv.Close()
	data := randomData(4, 7*units.MiB)
	src := filepath.Join(t.TempDir(), "upload.bin")
	require.NoError(t, os.WriteFile(src, data, 0o600))

	c := newTestClient(t, testConfig())
	m, rec := submitPut(t, c, srv.ObjectURL("file"), nil, RequestOptions{SendFilePath: src})
	require.NoError(t, waitDone(t, m))

	assert.Len(t, srv.RequestsFor(s3test.OpPart), 2)
	stored, ok := srv.Object("file")
	require.True(t, ok)
	assert.Equal(t, data, stored)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	last := rec.progress[len(rec.progress)-1]
	assert.Equal(t, int64(len(data)), last.Cumulative)
	assert.Equal(t, int64(len(data)), last.Total)
}

func TestPutObject_RetriesParts(t *testing.T) {
	srv := s3test.NewServer()
	defer srv.Close()
	srv.AddFault(s3test.Fault{Operation: s3test.OpPart, PartNumber: 1, Times: 1, Status: http.StatusInternalServerError})
	srv.AddFault(s3test.Fault{Operation: s3test.OpPart, PartNumber: 2, Times: 1, Drop: true})
	srv.AddFault(s3test.Fault{Operation: s3test.OpComplete, Times: 1, Status: http.StatusOK,
		Body: `<?xml version="1.0" encoding="UTF-8"?><Error><Code>InternalError</Code><Message>We encountered an internal error.</Message></Error>`})
	data := randomData(5, 11*units.MiB)

	c := newTestClient(t, testConfig())
	m, _ := submitPut(t, c, srv.ObjectURL("big"), bytes.NewReader(data), RequestOptions{})
	require.NoError(t, waitDone(t, m))

	assert.Len(t, srv.RequestsFor(s3test.OpComplete), 2, "an error document in a 200 response is retried")
	stored, ok := srv.Object("big")
	require.True(t, ok)
	assert.Equal(t, data, stored)

	for _, p := range m.Parts() {
		if p.Index == 0 {
			assert.Equal(t, 1, p.Retries)
		}
	}
}

func TestPutObject_AbortsOnFailure(t *testing.T) {
	srv := s3test.NewServer()
	defer srv.Close()
	srv.AddFault(s3test.Fault{Operation: s3test.OpPart, PartNumber: 2, Status: http.StatusForbidden})

	c := newTestClient(t, testConfig())
	m, rec := submitPut(t, c, srv.ObjectURL("big"), bytes.NewReader(randomData(6, 12*units.MiB)), RequestOptions{})

	err := waitDone(t, m)
	var statusErr *ResponseStatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)

	assert.Len(t, srv.Aborted(), 1)
	assert.Equal(t, 0, srv.OpenUploads())
	assert.Empty(t, srv.RequestsFor(s3test.OpComplete))
	_, ok := srv.Object("big")
	assert.False(t, ok)
	assert.Equal(t, 0, rec.count("headers"))
}

func TestPutObject_ChecksumMismatch(t *testing.T) {
	srv := s3test.NewServer()
	defer srv.Close()
	srv.AddFault(s3test.Fault{
		Operation:  s3test.OpPart,
		PartNumber: 1,
		Status:     http.StatusOK,
		Body:       " ",
		Header:     http.Header{"Etag": []string{`"00000000000000000000000000000000"`}},
	})

	c := newTestClient(t, testConfig())
	m, _ := submitPut(t, c, srv.ObjectURL("big"), bytes.NewReader(randomData(7, 6*units.MiB)), RequestOptions{})

	err := waitDone(t, m)
	var checksumErr *ChecksumMismatchError
	require.ErrorAs(t, err, &checksumErr)
	assert.Equal(t, 1, checksumErr.PartNumber)
	assert.Len(t, srv.Aborted(), 1)

	part1 := 0
	for _, r := range srv.RequestsFor(s3test.OpPart) {
		if strings.Contains(r.Query, "partNumber=1&") || strings.HasSuffix(r.Query, "partNumber=1") {
			part1++
		}
	}
	assert.Equal(t, 1, part1, "a checksum mismatch is not retried")
}

func TestPutObject_CancelAbortsUpload(t *testing.T) {
	srv := s3test.NewServer()
	defer srv.Close()
	srv.AddFault(s3test.Fault{Operation: s3test.OpPart, Delay: 5 * time.Second})

	c := newTestClient(t, testConfig())
	m, rec := submitPut(t, c, srv.ObjectURL("big"), bytes.NewReader(randomData(8, 12*units.MiB)), RequestOptions{})

	require.Eventually(t, func() bool { return len(srv.RequestsFor(s3test.OpPart)) > 0 }, testTimeout, 5*time.Millisecond)
	m.Cancel()

	require.ErrorIs(t, waitDone(t, m), ErrCanceled)
	assert.Len(t, srv.Aborted(), 1)
	assert.Equal(t, 0, srv.OpenUploads())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"finish"}, rec.events)
}

func TestUploadPartSize(t *testing.T) {
	tests := []struct {
		name     string
		size     int64
		partSize int64
		want     int64
	}{
		{name: "unknown size", size: -1, partSize: 8 * units.MiB, want: 8 * units.MiB},
		{name: "empty", size: 0, partSize: 8 * units.MiB, want: 8 * units.MiB},
		{name: "within the part limit", size: 10000 * 8 * units.MiB, partSize: 8 * units.MiB, want: 8 * units.MiB},
		{name: "grows past the part limit", size: 10000*8*units.MiB + 1, partSize: 8 * units.MiB, want: 8*units.MiB + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := uploadPartSize(tt.size, tt.partSize)
			assert.Equal(t, tt.want, got)
			if tt.size > 0 {
				assert.LessOrEqual(t, (tt.size+got-1)/got, int64(maxUploadParts))
			}
		})
	}
}
