// Package dispatch implements the request dispatcher: S3 API codec,
// request cloning, fan-out-all writes, ordered-probe reads, bucket
// virtualization, and multipart upload orchestration (SPEC_FULL.md §4).
package dispatch

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"s3proxy/remote"
	"s3proxy/streaming"
)

// ClonePutObject builds one PutObjectInput per target, all sharing a single
// Multiplexer over the client's request body so the body is only ever read
// once regardless of how many backends are written to. Every field other
// than Bucket and Body is forwarded unchanged — the Go equivalent of
// original_source/src/server/clone.rs's PutObjectInputMultiplier, which
// Rust expresses as an explicit field-for-field struct copy because it
// lacks a generic "shallow copy this struct" primitive; Go's struct value
// semantics give us that for free, so the per-remote override only needs
// to name the two fields that actually change.
func ClonePutObject(base *s3.PutObjectInput, targets []remote.Target, mux *streaming.Multiplexer) map[string]*s3.PutObjectInput {
	out := make(map[string]*s3.PutObjectInput, len(targets))
	for _, t := range targets {
		clone := *base
		clone.Bucket = aws.String(t.S3.Bucket)
		clone.Body = mux.Subscribe()
		out[t.Name] = &clone
	}
	return out
}

// CloneUploadPart is ClonePutObject's counterpart for UploadPart, used once
// per part within a multipart upload. backendUploadIDs supplies each
// target's backend-assigned upload id (from the MultipartMapping created by
// CreateMultipartUpload), since that id differs per remote even though the
// client sees a single proxy upload id.
func CloneUploadPart(base *s3.UploadPartInput, targets []remote.Target, backendUploadIDs map[string]string, mux *streaming.Multiplexer) map[string]*s3.UploadPartInput {
	out := make(map[string]*s3.UploadPartInput, len(targets))
	for _, t := range targets {
		uploadID, ok := backendUploadIDs[t.Name]
		if !ok {
			continue
		}
		clone := *base
		clone.Bucket = aws.String(t.S3.Bucket)
		clone.UploadId = aws.String(uploadID)
		clone.Body = mux.Subscribe()
		out[t.Name] = &clone
	}
	return out
}

// CloneCreateMultipartUpload has no body to multiplex; only the bucket
// changes per target.
func CloneCreateMultipartUpload(base *s3.CreateMultipartUploadInput, targets []remote.Target) map[string]*s3.CreateMultipartUploadInput {
	out := make(map[string]*s3.CreateMultipartUploadInput, len(targets))
	for _, t := range targets {
		clone := *base
		clone.Bucket = aws.String(t.S3.Bucket)
		out[t.Name] = &clone
	}
	return out
}

// CloneCompleteMultipartUpload rewrites bucket and upload id per target;
// the part ETags are per-backend values the caller rebuilt from what each
// backend returned during UploadPart (each backend returned its own ETag
// for its own copy of each part), so CompletedMultipartUpload must also be
// supplied per target rather than shared.
func CloneCompleteMultipartUpload(base *s3.CompleteMultipartUploadInput, targets []remote.Target, backendUploadIDs map[string]string, partsByTarget map[string]*s3.CompletedMultipartUpload) map[string]*s3.CompleteMultipartUploadInput {
	out := make(map[string]*s3.CompleteMultipartUploadInput, len(targets))
	for _, t := range targets {
		uploadID, ok := backendUploadIDs[t.Name]
		if !ok {
			continue
		}
		clone := *base
		clone.Bucket = aws.String(t.S3.Bucket)
		clone.UploadId = aws.String(uploadID)
		if parts, ok := partsByTarget[t.Name]; ok {
			clone.MultipartUpload = parts
		}
		out[t.Name] = &clone
	}
	return out
}

// CloneAbortMultipartUpload rewrites bucket and upload id per target for an
// abort fanned out to every remote that still has an open leg.
func CloneAbortMultipartUpload(base *s3.AbortMultipartUploadInput, targets []remote.Target, backendUploadIDs map[string]string) map[string]*s3.AbortMultipartUploadInput {
	out := make(map[string]*s3.AbortMultipartUploadInput, len(targets))
	for _, t := range targets {
		uploadID, ok := backendUploadIDs[t.Name]
		if !ok {
			continue
		}
		clone := *base
		clone.Bucket = aws.String(t.S3.Bucket)
		clone.UploadId = aws.String(uploadID)
		out[t.Name] = &clone
	}
	return out
}

// CloneDeleteObject and similar read/delete-shaped single-bucket requests
// don't need a body multiplexer; only the bucket differs per target.
func CloneDeleteObject(base *s3.DeleteObjectInput, targets []remote.Target) map[string]*s3.DeleteObjectInput {
	out := make(map[string]*s3.DeleteObjectInput, len(targets))
	for _, t := range targets {
		clone := *base
		clone.Bucket = aws.String(t.S3.Bucket)
		out[t.Name] = &clone
	}
	return out
}

// CloneDeleteObjects fans a batch delete out to every target.
func CloneDeleteObjects(base *s3.DeleteObjectsInput, targets []remote.Target) map[string]*s3.DeleteObjectsInput {
	out := make(map[string]*s3.DeleteObjectsInput, len(targets))
	for _, t := range targets {
		clone := *base
		clone.Bucket = aws.String(t.S3.Bucket)
		out[t.Name] = &clone
	}
	return out
}

// CloneGetObject, CloneHeadObject and CloneListObjectsV2 rewrite the bucket
// for a single target on the ordered-probe read path, which only ever
// addresses one remote at a time so no fan-out is needed here — kept in
// this file anyway since it shares the same bucket-rewrite shape as the
// write-side clones above.
func CloneGetObject(base *s3.GetObjectInput, t remote.Target) *s3.GetObjectInput {
	clone := *base
	clone.Bucket = aws.String(t.S3.Bucket)
	return &clone
}

func CloneHeadObject(base *s3.HeadObjectInput, t remote.Target) *s3.HeadObjectInput {
	clone := *base
	clone.Bucket = aws.String(t.S3.Bucket)
	return &clone
}

func CloneListObjectsV2(base *s3.ListObjectsV2Input, t remote.Target) *s3.ListObjectsV2Input {
	clone := *base
	clone.Bucket = aws.String(t.S3.Bucket)
	return &clone
}
