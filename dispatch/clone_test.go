package dispatch

import (
	"bytes"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"s3proxy/remote"
	"s3proxy/streaming"
)

func targets(names ...string) []remote.Target {
	out := make([]remote.Target, len(names))
	for i, n := range names {
		out[i] = remote.Target{
			Name: n,
			S3:   remote.Credential{Endpoint: "http://" + n, Bucket: n + "-bucket"},
		}
	}
	return out
}

func TestClonePutObject_RewritesBucketPerTargetAndSharesBody(t *testing.T) {
	base := &s3.PutObjectInput{
		Bucket:      aws.String("virtual"),
		Key:         aws.String("k"),
		ContentType: aws.String("text/plain"),
	}
	payload := []byte("the-body")
	mux := streaming.FromReader(bytes.NewReader(payload))

	clones := ClonePutObject(base, targets("a", "b"), mux)
	mux.CloseSubscriptions()

	require.Len(t, clones, 2)
	assert.Equal(t, "a-bucket", aws.ToString(clones["a"].Bucket))
	assert.Equal(t, "b-bucket", aws.ToString(clones["b"].Bucket))
	assert.Equal(t, "k", aws.ToString(clones["a"].Key))
	assert.Equal(t, "text/plain", aws.ToString(clones["a"].ContentType))

	gotA, err := io.ReadAll(clones["a"].Body)
	require.NoError(t, err)
	gotB, err := io.ReadAll(clones["b"].Body)
	require.NoError(t, err)
	assert.Equal(t, payload, gotA)
	assert.Equal(t, payload, gotB)
}

func TestCloneUploadPart_SkipsTargetsWithoutAnUploadID(t *testing.T) {
	base := &s3.UploadPartInput{Key: aws.String("k"), PartNumber: aws.Int32(1)}
	mux := streaming.FromReader(bytes.NewReader([]byte("part")))

	clones := CloneUploadPart(base, targets("a", "b"), map[string]string{"a": "upload-a"}, mux)
	mux.CloseSubscriptions()

	assert.Len(t, clones, 1)
	assert.Equal(t, "upload-a", aws.ToString(clones["a"].UploadId))
	assert.Equal(t, "a-bucket", aws.ToString(clones["a"].Bucket))
}

func TestCloneGetObject_RewritesBucketOnly(t *testing.T) {
	base := &s3.GetObjectInput{Key: aws.String("k")}
	tgt := targets("only")[0]

	clone := CloneGetObject(base, tgt)

	assert.Equal(t, "only-bucket", aws.ToString(clone.Bucket))
	assert.Equal(t, "k", aws.ToString(clone.Key))
	assert.NotSame(t, base, clone)
}

func TestCloneDeleteObjects_RewritesBucketPerTarget(t *testing.T) {
	base := &s3.DeleteObjectsInput{}
	clones := CloneDeleteObjects(base, targets("a", "b", "c"))

	require.Len(t, clones, 3)
	for _, name := range []string{"a", "b", "c"} {
		assert.Equal(t, name+"-bucket", aws.ToString(clones[name].Bucket))
	}
}
