package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	input *s3.PutObjectInput
	body  string
	err   error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	b, _ := io.ReadAll(in.Body)
	f.body = string(b)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestS3UploaderPutObject(t *testing.T) {
	fake := &fakePutter{}
	u := &S3Uploader{client: fake, bucket: "recordings", region: "us-west-2"}

	url, err := u.Upload(context.Background(), "lma-audio-recordings/call_1.wav",
		strings.NewReader("RIFFdata"), 8, "audio/wav")
	require.NoError(t, err)

	assert.Equal(t, "https://recordings.s3.us-west-2.amazonaws.com/lma-audio-recordings/call_1.wav", url)
	assert.Equal(t, "recordings", aws.ToString(fake.input.Bucket))
	assert.Equal(t, "lma-audio-recordings/call_1.wav", aws.ToString(fake.input.Key))
	assert.Equal(t, int64(8), aws.ToInt64(fake.input.ContentLength))
	assert.Equal(t, "audio/wav", aws.ToString(fake.input.ContentType))
	assert.Equal(t, "RIFFdata", fake.body)
}

func TestS3UploaderErrors(t *testing.T) {
	u := &S3Uploader{client: &fakePutter{err: errors.New("denied")}, bucket: "b", region: "r"}
	_, err := u.Upload(context.Background(), "k", strings.NewReader("x"), 1, "audio/wav")
	assert.ErrorContains(t, err, "denied")

	u = &S3Uploader{client: &fakePutter{}, region: "r"}
	_, err = u.Upload(context.Background(), "k", strings.NewReader("x"), 1, "audio/wav")
	assert.ErrorContains(t, err, "bucket")
}

func TestMemoryStore(t *testing.T) {
	m := NewMemoryStore()
	m.FailKeys = map[string]error{"bad": errors.New("nope")}

	_, err := m.Upload(context.Background(), "a", strings.NewReader("abc"), 3, "")
	require.NoError(t, err)
	_, err = m.Upload(context.Background(), "b", strings.NewReader("abc"), 4, "")
	assert.ErrorContains(t, err, "size mismatch")
	_, err = m.Upload(context.Background(), "bad", strings.NewReader("abc"), 3, "")
	assert.ErrorContains(t, err, "nope")

	obj, ok := m.Object("a")
	require.True(t, ok)
	assert.Equal(t, "abc", string(obj))
	assert.Equal(t, []string{"a"}, m.Keys())
}
