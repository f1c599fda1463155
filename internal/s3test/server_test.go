package s3test

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOperationOf(t *testing.T) {
	tests := []struct {
		method string
		query  string
		want   string
	}{
		{method: http.MethodGet, want: OpGet},
		{method: http.MethodHead, want: OpHead},
		{method: http.MethodPut, want: OpPut},
		{method: http.MethodPost, query: "uploads", want: OpInitiate},
		{method: http.MethodPut, query: "partNumber=1&uploadId=upload-1", want: OpPart},
		{method: http.MethodPost, query: "uploadId=upload-1", want: OpComplete},
		{method: http.MethodDelete, query: "uploadId=upload-1", want: OpAbort},
		{method: http.MethodDelete, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, operationOf(tt.method, tt.query))
		})
	}
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		header    string
		wantStart int64
		wantEnd   int64
		wantOK    bool
	}{
		{header: "bytes=0-99", wantStart: 0, wantEnd: 99, wantOK: true},
		{header: "bytes=100-", wantStart: 100, wantEnd: -1, wantOK: true},
		{header: "bytes=5-1"},
		{header: "items=0-1"},
		{header: ""},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			start, end, ok := parseRange(tt.header)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantEnd, end)
		})
	}
}
