package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/exam-importer/pkg/logger"
	"github.com/feichai0017/exam-importer/pkg/storage"
)

type object struct {
	data     []byte
	modified time.Time
}

type fakeS3 struct {
	objects map[string]object
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = object{data: data, modified: time.Now()}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(obj.data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, _ *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	out := &s3.ListObjectsV2Output{}
	for k, obj := range f.objects {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k), LastModified: aws.Time(obj.modified)})
	}
	return out, nil
}

func newFake() (*S3Storage, *fakeS3) {
	fake := &fakeS3{objects: map[string]object{}}
	return &S3Storage{client: fake, bucketName: "imports", logger: logger.NewTestLogger()}, fake
}

func TestStoreGetDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newFake()

	key, err := s.Store(ctx, strings.NewReader(`{"problems":[]}`), storage.ResultKey("job1"))
	require.NoError(t, err)
	data, err := storage.ReadAll(ctx, s, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"problems":[]}`, string(data))

	require.NoError(t, s.Delete(ctx, key))
	_, err = s.Get(ctx, key)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestCleanupBeforeDeletesOldObjects(t *testing.T) {
	ctx := context.Background()
	s, fake := newFake()
	fake.objects["old"] = object{modified: time.Now().Add(-time.Hour)}
	fake.objects["new"] = object{modified: time.Now()}

	require.NoError(t, s.CleanupBefore(ctx, time.Now().Add(-time.Minute)))
	assert.NotContains(t, fake.objects, "old")
	assert.Contains(t, fake.objects, "new")
}
