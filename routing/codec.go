package routing

import (
	"encoding/xml"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// listBucketResult mirrors S3's ListObjectsV2 response shape; apigw's
// S3Error (response_writer.go) is the same encoding/xml-struct-then-Marshal
// pattern used here.
type listBucketResult struct {
	XMLName               xml.Name           `xml:"ListBucketResult"`
	Name                  string             `xml:"Name"`
	Prefix                string             `xml:"Prefix"`
	Delimiter             string             `xml:"Delimiter,omitempty"`
	MaxKeys               int32              `xml:"MaxKeys"`
	IsTruncated           bool               `xml:"IsTruncated"`
	ContinuationToken     string             `xml:"ContinuationToken,omitempty"`
	NextContinuationToken string             `xml:"NextContinuationToken,omitempty"`
	KeyCount              int                `xml:"KeyCount"`
	Contents              []listBucketObject `xml:"Contents"`
	CommonPrefixes        []commonPrefix     `xml:"CommonPrefixes,omitempty"`
}

type listBucketObject struct {
	Key          string    `xml:"Key"`
	LastModified time.Time `xml:"LastModified"`
	ETag         string    `xml:"ETag"`
	Size         int64     `xml:"Size"`
	StorageClass string    `xml:"StorageClass,omitempty"`
}

type commonPrefix struct {
	Prefix string `xml:"Prefix"`
}

func marshalListObjectsV2(bucket string, out *s3.ListObjectsV2Output) (string, error) {
	result := listBucketResult{
		Name:                  bucket,
		Prefix:                aws.ToString(out.Prefix),
		Delimiter:             aws.ToString(out.Delimiter),
		MaxKeys:               aws.ToInt32(out.MaxKeys),
		IsTruncated:           aws.ToBool(out.IsTruncated),
		ContinuationToken:     aws.ToString(out.ContinuationToken),
		NextContinuationToken: aws.ToString(out.NextContinuationToken),
		KeyCount:              int(aws.ToInt32(out.KeyCount)),
	}
	for _, obj := range out.Contents {
		entry := listBucketObject{
			Key:  aws.ToString(obj.Key),
			ETag: aws.ToString(obj.ETag),
			Size: aws.ToInt64(obj.Size),
		}
		if obj.LastModified != nil {
			entry.LastModified = *obj.LastModified
		}
		result.Contents = append(result.Contents, entry)
	}
	for _, p := range out.CommonPrefixes {
		result.CommonPrefixes = append(result.CommonPrefixes, commonPrefix{Prefix: aws.ToString(p.Prefix)})
	}

	data, err := xml.MarshalIndent(result, "", "    ")
	if err != nil {
		return "", err
	}
	return xml.Header + string(data), nil
}

// locationConstraintResult is the GetBucketLocation response body; an empty
// LocationConstraint means the classic us-east-1 region, same as S3 itself.
type locationConstraintResult struct {
	XMLName           xml.Name `xml:"LocationConstraint"`
	LocationConstraint string  `xml:",chardata"`
}

func marshalGetBucketLocation(out *s3.GetBucketLocationOutput) (string, error) {
	result := locationConstraintResult{LocationConstraint: string(out.LocationConstraint)}
	data, err := xml.Marshal(result)
	if err != nil {
		return "", err
	}
	return xml.Header + string(data), nil
}

// deleteRequest mirrors the client's batch-delete request body.
type deleteRequest struct {
	XMLName xml.Name          `xml:"Delete"`
	Objects []objectIdentifier `xml:"Object"`
	Quiet   bool              `xml:"Quiet"`
}

type objectIdentifier struct {
	Key       string `xml:"Key"`
	VersionId string `xml:"VersionId,omitempty"`
}

func parseDeleteObjectsRequest(body io.Reader) (*s3.DeleteObjectsInput, error) {
	var req deleteRequest
	if err := xml.NewDecoder(body).Decode(&req); err != nil {
		return nil, err
	}

	ids := make([]types.ObjectIdentifier, 0, len(req.Objects))
	for _, obj := range req.Objects {
		id := types.ObjectIdentifier{Key: aws.String(obj.Key)}
		if obj.VersionId != "" {
			id.VersionId = aws.String(obj.VersionId)
		}
		ids = append(ids, id)
	}

	return &s3.DeleteObjectsInput{
		Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(req.Quiet)},
	}, nil
}

// deleteResult mirrors S3's DeleteObjects response shape.
type deleteResult struct {
	XMLName xml.Name       `xml:"DeleteResult"`
	Deleted []deletedEntry `xml:"Deleted,omitempty"`
	Errors  []deleteError  `xml:"Error,omitempty"`
}

type deletedEntry struct {
	Key string `xml:"Key"`
}

type deleteError struct {
	Key     string `xml:"Key"`
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

func marshalDeleteObjects(out *s3.DeleteObjectsOutput) (string, error) {
	result := deleteResult{}
	for _, d := range out.Deleted {
		result.Deleted = append(result.Deleted, deletedEntry{Key: aws.ToString(d.Key)})
	}
	for _, e := range out.Errors {
		result.Errors = append(result.Errors, deleteError{
			Key:     aws.ToString(e.Key),
			Code:    aws.ToString(e.Code),
			Message: aws.ToString(e.Message),
		})
	}

	data, err := xml.MarshalIndent(result, "", "    ")
	if err != nil {
		return "", err
	}
	return xml.Header + string(data), nil
}

type listAllMyBucketsResult struct {
	XMLName xml.Name     `xml:"ListAllMyBucketsResult"`
	Buckets bucketsField `xml:"Buckets"`
}

type bucketsField struct {
	Bucket []bucketEntry `xml:"Bucket"`
}

type bucketEntry struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
}

func marshalListBuckets(out *s3.ListBucketsOutput) (string, error) {
	result := listAllMyBucketsResult{}
	for _, b := range out.Buckets {
		result.Buckets.Bucket = append(result.Buckets.Bucket, bucketEntry{
			Name:         aws.ToString(b.Name),
			CreationDate: time.Now().UTC().Format(time.RFC3339),
		})
	}

	data, err := xml.MarshalIndent(result, "", "    ")
	if err != nil {
		return "", err
	}
	return xml.Header + string(data), nil
}
