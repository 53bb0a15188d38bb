package testutil

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Object is one stored object in a FakeS3 bucket.
type Object struct {
	Data         []byte
	LastModified time.Time
}

// FakeS3 is an in-memory blob.API. Buckets must exist (or be created
// through CreateBucket) before objects are written to them.
type FakeS3 struct {
	mu      sync.Mutex
	buckets map[string]map[string]Object

	// GetErr fails GetObject for the listed keys.
	GetErr map[string]error
	// PutErr fails every PutObject when set.
	PutErr error
	// DeleteErr fails every DeleteObject when set.
	DeleteErr error
}

// NewFakeS3 returns a FakeS3 holding the given empty buckets.
func NewFakeS3(buckets ...string) *FakeS3 {
	f := &FakeS3{
		buckets: make(map[string]map[string]Object),
		GetErr:  make(map[string]error),
	}
	for _, b := range buckets {
		f.buckets[b] = make(map[string]Object)
	}
	return f
}

// Seed stores data under bucket/key, creating the bucket if needed.
func (f *FakeS3) Seed(bucket, key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buckets[bucket] == nil {
		f.buckets[bucket] = make(map[string]Object)
	}
	f.buckets[bucket][key] = Object{Data: data, LastModified: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Object returns the stored bytes for bucket/key.
func (f *FakeS3) Object(bucket, key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.buckets[bucket][key]
	return obj.Data, ok
}

// Keys returns the sorted keys in bucket.
func (f *FakeS3) Keys(bucket string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.buckets[bucket]))
	for k := range f.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasBucket reports whether bucket exists.
func (f *FakeS3) HasBucket(bucket string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.buckets[bucket]
	return ok
}

func (f *FakeS3) HeadBucket(_ context.Context, input *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.buckets[aws.ToString(input.Bucket)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *FakeS3) CreateBucket(_ context.Context, input *s3.CreateBucketInput, _ ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(input.Bucket)
	if _, ok := f.buckets[name]; ok {
		return nil, &types.BucketAlreadyOwnedByYou{}
	}
	f.buckets[name] = make(map[string]Object)
	return &s3.CreateBucketOutput{}, nil
}

func (f *FakeS3) ListObjectsV2(_ context.Context, input *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket, ok := f.buckets[aws.ToString(input.Bucket)]
	if !ok {
		return nil, &types.NoSuchBucket{}
	}

	prefix := aws.ToString(input.Prefix)
	keys := make([]string, 0, len(bucket))
	for k := range bucket {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false), KeyCount: aws.Int32(int32(len(keys)))}
	for _, k := range keys {
		obj := bucket[k]
		out.Contents = append(out.Contents, types.Object{
			Key:          aws.String(k),
			Size:         aws.Int64(int64(len(obj.Data))),
			ETag:         aws.String(etag(obj.Data)),
			LastModified: aws.Time(obj.LastModified),
		})
	}
	return out, nil
}

func (f *FakeS3) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(input.Key)
	if err := f.GetErr[key]; err != nil {
		return nil, err
	}
	obj, ok := f.buckets[aws.ToString(input.Bucket)][key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.Data)),
		ContentLength: aws.Int64(int64(len(obj.Data))),
	}, nil
}

func (f *FakeS3) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.PutErr != nil {
		return nil, f.PutErr
	}
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket, ok := f.buckets[aws.ToString(input.Bucket)]
	if !ok {
		return nil, &types.NoSuchBucket{}
	}
	bucket[aws.ToString(input.Key)] = Object{Data: data, LastModified: time.Now().UTC()}
	return &s3.PutObjectOutput{ETag: aws.String(etag(data))}, nil
}

func (f *FakeS3) HeadObject(_ context.Context, input *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.buckets[aws.ToString(input.Bucket)][aws.ToString(input.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.Data))),
		ETag:          aws.String(etag(obj.Data)),
		LastModified:  aws.Time(obj.LastModified),
	}, nil
}

// DeleteObject succeeds for missing keys, as S3 does.
func (f *FakeS3) DeleteObject(_ context.Context, input *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if f.DeleteErr != nil {
		return nil, f.DeleteErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.buckets[aws.ToString(input.Bucket)], aws.ToString(input.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func etag(data []byte) string {
	return fmt.Sprintf("\"%x\"", md5.Sum(data))
}
