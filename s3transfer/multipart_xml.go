package s3transfer

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"github.com/bitrise-io/go-s3transfer/s3transfer/planner"
)

type initiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

type completedPart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

type completeMultipartUpload struct {
	XMLName xml.Name        `xml:"CompleteMultipartUpload"`
	Parts   []completedPart `xml:"Part"`
}

type completeMultipartUploadResult struct {
	XMLName  xml.Name `xml:"CompleteMultipartUploadResult"`
	Location string   `xml:"Location"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	ETag     string   `xml:"ETag"`
}

func parseInitiateResult(body []byte) (string, error) {
	var result initiateMultipartUploadResult
	if err := xml.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parse create multipart upload response: %w", err)
	}
	if result.UploadID == "" {
		return "", fmt.Errorf("create multipart upload response has no upload id")
	}
	return result.UploadID, nil
}

// marshalCompleteRequest lists the parts in ascending part number order.
// parts must be sorted by index.
func marshalCompleteRequest(parts []*planner.Part) ([]byte, error) {
	doc := completeMultipartUpload{Parts: make([]completedPart, len(parts))}
	for i, part := range parts {
		doc.Parts[i] = completedPart{PartNumber: part.Number(), ETag: part.ETag}
	}

	body, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal complete multipart upload request: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// parseCompleteResult returns the ETag of the assembled object. S3 may
// report a failure with status 200 and an Error document, which is
// returned as a ResponseStatusError.
func parseCompleteResult(status int, body []byte) (string, error) {
	if bytes.Contains(body, []byte("<Error>")) {
		return "", errorFromBody(status, body)
	}

	var result completeMultipartUploadResult
	if err := xml.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parse complete multipart upload response: %w", err)
	}
	return result.ETag, nil
}
