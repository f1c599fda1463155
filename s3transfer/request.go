package s3transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectLocation addresses one object.
type ObjectLocation struct {
	Region string
	Bucket string
	Key    string
	// Endpoint overrides the AWS endpoint, for S3 compatible services.
	Endpoint string
	// PathStyle addresses the bucket in the path instead of the host name.
	PathStyle bool
}

// NewObjectRequest builds a request for the object at loc, resolving the
// bucket endpoint the way the AWS SDK does.
func NewObjectRequest(ctx context.Context, method string, loc ObjectLocation, body io.Reader) (*http.Request, error) {
	if loc.Bucket == "" {
		return nil, configError("Bucket", fmt.Errorf("must not be empty"))
	}
	if loc.Key == "" {
		return nil, configError("Key", fmt.Errorf("must not be empty"))
	}
	if loc.Region == "" {
		return nil, configError("Region", fmt.Errorf("must not be empty"))
	}

	params := s3.EndpointParameters{
		Bucket:            aws.String(loc.Bucket),
		Region:            aws.String(loc.Region),
		ForcePathStyle:    aws.Bool(loc.PathStyle),
		UseFIPS:           aws.Bool(false),
		UseDualStack:      aws.Bool(false),
		Accelerate:        aws.Bool(false),
		UseGlobalEndpoint: aws.Bool(false),
	}
	if loc.Endpoint != "" {
		params.Endpoint = aws.String(loc.Endpoint)
	}

	endpoint, err := s3.NewDefaultEndpointResolverV2().ResolveEndpoint(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("resolve endpoint of bucket %s: %w", loc.Bucket, err)
	}

	u := endpoint.URI
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + loc.Key
	u.RawPath = ""

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", method, err)
	}
	return req, nil
}
