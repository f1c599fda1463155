// Package signing authorizes part requests with AWS Signature Version 4.
package signing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	// UnsignedPayload is the payload hash of requests whose body is not part of the signature.
	UnsignedPayload = "UNSIGNED-PAYLOAD"
	// EmptyPayloadHash is the SHA-256 of an empty body.
	EmptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	contentSha256Header = "X-Amz-Content-Sha256"
	serviceName         = "s3"
)

// Signer authorizes a request in place.
type Signer interface {
	Sign(ctx context.Context, req *http.Request, payloadHash string) error
}

// SignerFunc adapts a function to Signer.
type SignerFunc func(ctx context.Context, req *http.Request, payloadHash string) error

// Sign implements Signer.
func (f SignerFunc) Sign(ctx context.Context, req *http.Request, payloadHash string) error {
	return f(ctx, req, payloadHash)
}

// SigningError is a failure to compute a request signature.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("sign request: %v", e.Err)
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

// CredentialsError is a failure to obtain credentials.
type CredentialsError struct {
	Err error
}

func (e *CredentialsError) Error() string {
	return fmt.Sprintf("retrieve credentials: %v", e.Err)
}

func (e *CredentialsError) Unwrap() error {
	return e.Err
}

// PayloadHash returns the hex encoded SHA-256 of body.
func PayloadHash(body []byte) string {
	if len(body) == 0 {
		return EmptyPayloadHash
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// V4Signer signs S3 requests for one region.
type V4Signer struct {
	region      string
	credentials aws.CredentialsProvider
	signer      *v4.Signer
	now         func() time.Time
}

// NewV4Signer creates a signer retrieving credentials from provider.
// Providers are cached unless they already are.
func NewV4Signer(region string, provider aws.CredentialsProvider) *V4Signer {
	if _, ok := provider.(*aws.CredentialsCache); !ok {
		provider = aws.NewCredentialsCache(provider)
	}

	return &V4Signer{
		region:      region,
		credentials: provider,
		signer: v4.NewSigner(func(o *v4.SignerOptions) {
			o.DisableURIPathEscaping = true
		}),
		now: time.Now,
	}
}

// NewStaticSigner creates a signer with fixed credentials.
func NewStaticSigner(region, accessKeyID, secretKey, sessionToken string) *V4Signer {
	return NewV4Signer(region, credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, sessionToken))
}

// NewDefaultSigner creates a signer using the default AWS credential chain
// (environment, shared config files, container and instance roles).
func NewDefaultSigner(ctx context.Context, region string, logger log.Logger) (*V4Signer, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, &CredentialsError{Err: fmt.Errorf("load aws config: %w", err)}
	}
	if cfg.Credentials == nil {
		return nil, &CredentialsError{Err: fmt.Errorf("no credentials provider configured")}
	}
	logger.Debugf("Using the default aws credential chain for region %s", region)

	return NewV4Signer(region, cfg.Credentials), nil
}

// Region ...
func (s *V4Signer) Region() string {
	return s.region
}

// Sign implements Signer. An empty payloadHash signs the request with UnsignedPayload.
func (s *V4Signer) Sign(ctx context.Context, req *http.Request, payloadHash string) error {
	if payloadHash == "" {
		payloadHash = UnsignedPayload
	}

	creds, err := s.credentials.Retrieve(ctx)
	if err != nil {
		return &CredentialsError{Err: err}
	}

	req.Header.Set(contentSha256Header, payloadHash)
	if err := s.signer.SignHTTP(ctx, creds, req, payloadHash, serviceName, s.region, s.now().UTC()); err != nil {
		return &SigningError{Err: err}
	}
	return nil
}
