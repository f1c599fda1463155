package s3transfer

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-s3transfer/s3transfer/signing"
	"github.com/bitrise-io/go-s3transfer/s3transfer/transport"
)

var (
	// ErrCanceled is the result of a canceled MetaRequest.
	ErrCanceled = errors.New("meta request canceled")
	// ErrClientShutdown is returned by Submit once Shutdown was called.
	ErrClientShutdown = errors.New("client is shut down")
)

type (
	// TransportError is a classified network failure.
	TransportError = transport.Error
	// SigningError is a failure to sign a request.
	SigningError = signing.SigningError
	// CredentialsError is a failure to obtain credentials.
	CredentialsError = signing.CredentialsError
)

// ConfigurationError is an invalid Config or request option.
type ConfigurationError struct {
	Field string
	Err   error
}

func configError(field string, err error) *ConfigurationError {
	return &ConfigurationError{Field: field, Err: err}
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

const maxErrorBodyExcerpt = 1024

// ResponseStatusError is an unexpected response status. It implements
// smithy.APIError with the code and message of the S3 error document.
type ResponseStatusError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
	// Body is at most the first KiB of the response body.
	Body []byte
}

var _ smithy.APIError = (*ResponseStatusError)(nil)

type s3ErrorDocument struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	RequestID string   `xml:"RequestId"`
}

// newResponseStatusError consumes and closes the response body.
func newResponseStatusError(resp *http.Response) *ResponseStatusError {
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyExcerpt))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()

	err := errorFromBody(resp.StatusCode, excerpt)
	if err.RequestID == "" {
		err.RequestID = resp.Header.Get("X-Amz-Request-Id")
	}
	return err
}

func errorFromBody(status int, body []byte) *ResponseStatusError {
	err := &ResponseStatusError{StatusCode: status, Body: body}

	var doc s3ErrorDocument
	if len(body) > 0 && xml.Unmarshal(body, &doc) == nil {
		err.Code = doc.Code
		err.Message = doc.Message
		err.RequestID = doc.RequestID
	}
	return err
}

func (e *ResponseStatusError) Error() string {
	msg := fmt.Sprintf("unexpected response status %d", e.StatusCode)
	if e.Code != "" {
		msg += fmt.Sprintf(" (%s: %s)", e.Code, e.Message)
	}
	if e.RequestID != "" {
		msg += fmt.Sprintf(", request id: %s", e.RequestID)
	}
	return msg
}

// ErrorCode implements smithy.APIError.
func (e *ResponseStatusError) ErrorCode() string {
	if e.Code != "" {
		return e.Code
	}
	return http.StatusText(e.StatusCode)
}

// ErrorMessage implements smithy.APIError.
func (e *ResponseStatusError) ErrorMessage() string {
	return e.Message
}

// ErrorFault implements smithy.APIError.
func (e *ResponseStatusError) ErrorFault() smithy.ErrorFault {
	switch {
	case e.StatusCode >= 500:
		return smithy.FaultServer
	case e.StatusCode >= 400:
		return smithy.FaultClient
	case e.Code != "":
		// An error document in a success response.
		return smithy.FaultServer
	default:
		return smithy.FaultUnknown
	}
}

// ChecksumMismatchError is an uploaded part whose ETag does not match the sent data.
type ChecksumMismatchError struct {
	PartNumber int
	Expected   string
	Actual     string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("part %d checksum mismatch: sent %s, stored %s", e.PartNumber, e.Expected, e.Actual)
}

// hungAttemptError is an attempt canceled for running far longer than its peers.
type hungAttemptError struct {
	label   string
	elapsed string
}

func (e *hungAttemptError) Error() string {
	return fmt.Sprintf("%s attempt hung for %s", e.label, e.elapsed)
}
