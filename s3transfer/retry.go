package s3transfer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bitrise-io/go-s3transfer/s3transfer/governor"
	"github.com/hashicorp/go-retryablehttp"
)

// checkPartRetry decides whether a failed part attempt is worth another try.
// Status codes follow retryablehttp's default policy (429 and 5xx except 501).
func checkPartRetry(err error) bool {
	if err == nil {
		return false
	}

	var (
		statusErr   *ResponseStatusError
		transErr    *TransportError
		hungErr     *hungAttemptError
		fatalErr    *governor.FatalError
		checksumErr *ChecksumMismatchError
		signErr     *SigningError
		credsErr    *CredentialsError
		configErr   *ConfigurationError
		termErr     *terminalError
	)
	switch {
	case errors.As(err, &termErr):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, governor.ErrClosed), errors.As(err, &fatalErr):
		return false
	case errors.As(err, &checksumErr), errors.As(err, &signErr), errors.As(err, &credsErr), errors.As(err, &configErr):
		return false
	case errors.As(err, &hungErr), errors.As(err, &transErr):
		return true
	case errors.As(err, &statusErr):
		if statusErr.StatusCode < 300 {
			// error document in a success response
			return statusErr.Code != ""
		}
		resp := &http.Response{StatusCode: statusErr.StatusCode, Header: http.Header{}}
		retry, _ := retryablehttp.DefaultRetryPolicy(context.Background(), resp, nil)
		return retry
	default:
		return false
	}
}

// partBackoff is the wait before retry attempt (0 based).
func partBackoff(min, max time.Duration, attempt int) time.Duration {
	return retryablehttp.DefaultBackoff(min, max, attempt, nil)
}
