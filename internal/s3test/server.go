// Package s3test is an in-memory S3 look-alike for tests. It serves ranged
// GETs, single PUTs and the multipart upload calls, records every request it
// receives and injects faults on demand.
package s3test

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Bucket is the bucket every object lives in.
const Bucket = "bucket"

// Request is a recorded request.
type Request struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   int64
}

// Fault makes matching requests fail.
type Fault struct {
	// Method and Operation narrow the requests the fault applies to.
	// Operation is one of the Op constants, empty matches any.
	Method    string
	Operation string
	// PartNumber matches upload-part requests and ranged GETs by their
	// 1-based position. Zero matches any.
	PartNumber int
	// Times is how often the fault fires. Zero means always.
	Times int

	Status int
	Body   string
	// Drop closes the connection without a response.
	Drop bool
	// Delay holds the request before responding or failing. With StallAfter
	// it is how long the body pauses instead.
	Delay time.Duration
	// StallAfter lets a successful response send this many body bytes, then
	// pause for Delay before sending the rest.
	StallAfter int64
	// Header is added to the fault response.
	Header http.Header
}

// Operations a Fault can target.
const (
	OpGet      = "GetObject"
	OpHead     = "HeadObject"
	OpPut      = "PutObject"
	OpInitiate = "CreateMultipartUpload"
	OpPart     = "UploadPart"
	OpComplete = "CompleteMultipartUpload"
	OpAbort    = "AbortMultipartUpload"
)

type object struct {
	data []byte
	etag string
}

type upload struct {
	key   string
	parts map[int][]byte
}

// Server ...
type Server struct {
	*httptest.Server

	// IgnoreRange makes GETs answer with the whole object and no Content-Range.
	IgnoreRange bool
	// PartSize lets ranged GET faults resolve PartNumber.
	PartSize int64

	mu          sync.Mutex
	objects     map[string]*object
	uploads     map[string]*upload
	aborted     []string
	requests    []Request
	faults      []*Fault
	nextUpload  int
	failureRate float64
	rnd         *rand.Rand
}

// NewServer starts a Server. Close it when done.
func NewServer() *Server {
	s := &Server{
		objects: map[string]*object{},
		uploads: map[string]*upload{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	return s
}

// NewTLSServer starts a Server speaking TLS.
func NewTLSServer() *Server {
	s := &Server{
		objects: map[string]*object{},
		uploads: map[string]*upload{},
	}
	s.Server = httptest.NewTLSServer(http.HandlerFunc(s.serveHTTP))
	return s
}

// ObjectURL returns the path-style URL of key.
func (s *Server) ObjectURL(key string) string {
	return s.URL + "/" + Bucket + "/" + key
}

// PutObject stores data under key and returns its ETag.
func (s *Server) PutObject(key string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.storeLocked(key, data, md5ETag(data))
}

// Object returns the stored data of key.
func (s *Server) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, false
	}
	return obj.data, true
}

// AddFault registers a fault. Faults are matched in registration order.
func (s *Server) AddFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fault := f
	s.faults = append(s.faults, &fault)
}

// SetFailureRate makes a random share of requests fail with 503.
func (s *Server) SetFailureRate(rate float64, seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureRate = rate
	s.rnd = rand.New(rand.NewSource(seed))
}

// Requests returns the recorded requests.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// RequestsFor returns the recorded requests of one operation.
func (s *Server) RequestsFor(operation string) []Request {
	var matched []Request
	for _, r := range s.Requests() {
		if operationOf(r.Method, r.Query) == operation {
			matched = append(matched, r)
		}
	}
	return matched
}

// OpenUploads returns the number of multipart uploads neither completed nor aborted.
func (s *Server) OpenUploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

// Aborted returns the IDs of aborted multipart uploads.
func (s *Server) Aborted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.aborted...)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	key, ok := objectKey(r.URL.Path)
	if !ok {
		writeError(w, http.StatusBadRequest, "InvalidURI", "path must be /bucket/key")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return
	}

	operation := operationOf(r.Method, r.URL.RawQuery)
	fault := s.record(r, operation, int64(len(body)))
	if fault != nil && fault.StallAfter > 0 {
		w = &stallWriter{ResponseWriter: w, ctx: r.Context(), remaining: fault.StallAfter, pause: fault.Delay}
		fault = nil
	}
	if fault != nil {
		if fault.Delay > 0 {
			select {
			case <-time.After(fault.Delay):
			case <-r.Context().Done():
				return
			}
		}
		if fault.Drop {
			dropConnection(w)
			return
		}
		if fault.Status != 0 {
			for k, v := range fault.Header {
				w.Header()[k] = v
			}
			if fault.Body == "" {
				writeError(w, fault.Status, http.StatusText(fault.Status), "injected fault")
				return
			}
			w.WriteHeader(fault.Status)
			_, _ = w.Write([]byte(fault.Body))
			return
		}
	}

	switch operation {
	case OpGet:
		s.getObject(w, r, key)
	case OpHead:
		s.headObject(w, key)
	case OpPut:
		s.putObject(w, r, key, body)
	case OpInitiate:
		s.initiate(w, key)
	case OpPart:
		s.uploadPart(w, r, body)
	case OpComplete:
		s.complete(w, r, key, body)
	case OpAbort:
		s.abort(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "unsupported operation")
	}
}

func (s *Server) record(r *http.Request, operation string, bodyLen int64) *Fault {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: r.Header.Clone(),
		Body:   bodyLen,
	})

	partNumber := s.partNumberLocked(r, operation)
	for i, f := range s.faults {
		if f.Method != "" && f.Method != r.Method {
			continue
		}
		if f.Operation != "" && f.Operation != operation {
			continue
		}
		if f.PartNumber != 0 && f.PartNumber != partNumber {
			continue
		}
		if f.Times > 0 {
			f.Times--
			if f.Times == 0 {
				s.faults = append(s.faults[:i], s.faults[i+1:]...)
			}
		}
		return f
	}

	if s.failureRate > 0 && operation != OpAbort && s.rnd.Float64() < s.failureRate {
		return &Fault{Status: http.StatusServiceUnavailable}
	}
	return nil
}

func (s *Server) partNumberLocked(r *http.Request, operation string) int {
	switch operation {
	case OpPart:
		n, _ := strconv.Atoi(r.URL.Query().Get("partNumber"))
		return n
	case OpGet:
		start, _, ok := parseRange(r.Header.Get("Range"))
		if !ok || s.PartSize <= 0 {
			return 0
		}
		return int(start/s.PartSize) + 1
	}
	return 0
}

func (s *Server) getObject(w http.ResponseWriter, r *http.Request, key string) {
	s.mu.Lock()
	obj, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.")
		return
	}

	if match := r.Header.Get("If-Match"); match != "" && match != obj.etag {
		writeError(w, http.StatusPreconditionFailed, "PreconditionFailed", "At least one of the pre-conditions you specified did not hold")
		return
	}

	w.Header().Set("ETag", obj.etag)
	w.Header().Set("Accept-Ranges", "bytes")

	size := int64(len(obj.data))
	start, end, ranged := parseRange(r.Header.Get("Range"))
	if !ranged || s.IgnoreRange {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(obj.data)
		return
	}

	if start >= size {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "InvalidRange", "The requested range is not satisfiable")
		return
	}
	if end < 0 || end >= size {
		end = size - 1
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(obj.data[start : end+1])
}

func (s *Server) headObject(w http.ResponseWriter, key string) {
	s.mu.Lock()
	obj, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	w.Header().Set("ETag", obj.etag)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.data)))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) putObject(w http.ResponseWriter, r *http.Request, key string, body []byte) {
	if !checkContentMD5(w, r, body) {
		return
	}

	s.mu.Lock()
	etag := s.storeLocked(key, body, md5ETag(body))
	s.mu.Unlock()

	w.Header().Set("ETag", etag)
	w.WriteHeader(http.StatusOK)
}

type initiateResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

func (s *Server) initiate(w http.ResponseWriter, key string) {
	s.mu.Lock()
	s.nextUpload++
	id := fmt.Sprintf("upload-%d", s.nextUpload)
	s.uploads[id] = &upload{key: key, parts: map[int][]byte{}}
	s.mu.Unlock()

	writeXML(w, http.StatusOK, initiateResult{Bucket: Bucket, Key: key, UploadID: id})
}

func (s *Server) uploadPart(w http.ResponseWriter, r *http.Request, body []byte) {
	if !checkContentMD5(w, r, body) {
		return
	}

	query := r.URL.Query()
	number, err := strconv.Atoi(query.Get("partNumber"))
	if err != nil || number < 1 || number > 10000 {
		writeError(w, http.StatusBadRequest, "InvalidArgument", "invalid part number")
		return
	}

	s.mu.Lock()
	up, ok := s.uploads[query.Get("uploadId")]
	if ok {
		up.parts[number] = body
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "NoSuchUpload", "The specified upload does not exist.")
		return
	}

	w.Header().Set("ETag", md5ETag(body))
	w.WriteHeader(http.StatusOK)
}

type completeRequest struct {
	XMLName xml.Name `xml:"CompleteMultipartUpload"`
	Parts   []struct {
		PartNumber int    `xml:"PartNumber"`
		ETag       string `xml:"ETag"`
	} `xml:"Part"`
}

type completeResult struct {
	XMLName xml.Name `xml:"CompleteMultipartUploadResult"`
	Bucket  string   `xml:"Bucket"`
	Key     string   `xml:"Key"`
	ETag    string   `xml:"ETag"`
}

func (s *Server) complete(w http.ResponseWriter, r *http.Request, key string, body []byte) {
	var req completeRequest
	if err := xml.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "MalformedXML", err.Error())
		return
	}

	id := r.URL.Query().Get("uploadId")

	s.mu.Lock()
	defer s.mu.Unlock()

	up, ok := s.uploads[id]
	if !ok {
		writeError(w, http.StatusNotFound, "NoSuchUpload", "The specified upload does not exist.")
		return
	}
	if len(req.Parts) == 0 {
		writeError(w, http.StatusBadRequest, "MalformedXML", "no parts")
		return
	}

	var data bytes.Buffer
	digests := md5.New()
	for i, part := range req.Parts {
		if i > 0 && part.PartNumber <= req.Parts[i-1].PartNumber {
			writeError(w, http.StatusBadRequest, "InvalidPartOrder", "The list of parts was not in ascending order.")
			return
		}
		stored, ok := up.parts[part.PartNumber]
		if !ok || md5ETag(stored) != part.ETag {
			writeError(w, http.StatusBadRequest, "InvalidPart", fmt.Sprintf("part %d could not be found", part.PartNumber))
			return
		}
		data.Write(stored)
		sum := md5.Sum(stored)
		digests.Write(sum[:])
	}

	etag := fmt.Sprintf("\"%s-%d\"", hex.EncodeToString(digests.Sum(nil)), len(req.Parts))
	s.storeLocked(key, data.Bytes(), etag)
	delete(s.uploads, id)

	w.Header().Set("ETag", etag)
	writeXML(w, http.StatusOK, completeResult{Bucket: Bucket, Key: key, ETag: etag})
}

func (s *Server) abort(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("uploadId")

	s.mu.Lock()
	_, ok := s.uploads[id]
	delete(s.uploads, id)
	if ok {
		s.aborted = append(s.aborted, id)
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "NoSuchUpload", "The specified upload does not exist.")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) storeLocked(key string, data []byte, etag string) string {
	s.objects[key] = &object{data: append([]byte(nil), data...), etag: etag}
	return etag
}

func operationOf(method, rawQuery string) string {
	has := func(name string) bool {
		for _, part := range strings.Split(rawQuery, "&") {
			if part == name || strings.HasPrefix(part, name+"=") {
				return true
			}
		}
		return false
	}

	switch method {
	case http.MethodGet:
		return OpGet
	case http.MethodHead:
		return OpHead
	case http.MethodPut:
		if has("uploadId") {
			return OpPart
		}
		return OpPut
	case http.MethodPost:
		if has("uploads") {
			return OpInitiate
		}
		if has("uploadId") {
			return OpComplete
		}
	case http.MethodDelete:
		if has("uploadId") {
			return OpAbort
		}
	}
	return ""
}

func objectKey(path string) (string, bool) {
	prefix := "/" + Bucket + "/"
	if !strings.HasPrefix(path, prefix) || len(path) == len(prefix) {
		return "", false
	}
	return strings.TrimPrefix(path, prefix), true
}

// parseRange parses "bytes=start-end". end is -1 when open ended.
func parseRange(header string) (int64, int64, bool) {
	byteRange, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, false
	}
	first, last, ok := strings.Cut(byteRange, "-")
	if !ok {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	if last == "" {
		return start, -1, true
	}
	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return 0, 0, false
	}
	return start, end, true
}

func checkContentMD5(w http.ResponseWriter, r *http.Request, body []byte) bool {
	want := r.Header.Get("Content-MD5")
	if want == "" {
		return true
	}
	sum := md5.Sum(body)
	if base64.StdEncoding.EncodeToString(sum[:]) != want {
		writeError(w, http.StatusBadRequest, "BadDigest", "The Content-MD5 you specified did not match what we received.")
		return false
	}
	return true
}

func md5ETag(data []byte) string {
	sum := md5.Sum(data)
	return "\"" + hex.EncodeToString(sum[:]) + "\""
}

type errorBody struct {
	XMLName xml.Name `xml:"Error"`
	Code    string   `xml:"Code"`
	Message string   `xml:"Message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeXML(w, status, errorBody{Code: code, Message: message})
}

func writeXML(w http.ResponseWriter, status int, v interface{}) {
	data, err := xml.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Length", strconv.Itoa(len(xml.Header)+len(data)))
	w.WriteHeader(status)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(data)
}

// stallWriter pauses the body once remaining bytes were written.
type stallWriter struct {
	http.ResponseWriter
	ctx       context.Context
	remaining int64
	pause     time.Duration
}

func (w *stallWriter) Write(p []byte) (int, error) {
	if w.remaining <= 0 || int64(len(p)) <= w.remaining {
		w.remaining -= int64(len(p))
		return w.ResponseWriter.Write(p)
	}

	n, err := w.ResponseWriter.Write(p[:w.remaining])
	w.remaining = 0
	if err != nil {
		return n, err
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}

	select {
	case <-time.After(w.pause):
	case <-w.ctx.Done():
		return n, w.ctx.Err()
	}
	rest, err := w.ResponseWriter.Write(p[n:])
	return n + rest, err
}

func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		return
	}
	_ = conn.Close()
}
