package sink

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Sink writes archived messages to an S3 bucket with create-only puts.
type Sink struct {
	client s3API

	bucket    string
	bucketPtr *string
	prefix    string
}

func New(client s3API, bucket, prefix string) *Sink {
	if client == nil {
		panic("s3 client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		panic("bucket is required")
	}

	s := &Sink{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
	s.bucketPtr = &s.bucket
	return s
}

// Key returns the full object key for a relative key.
func (s *Sink) Key(rel string) string {
	// Keeps S3 semantics (no path cleaning).
	key := strings.TrimLeft(rel, "/")
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}
	return key
}

func (s *Sink) Write(ctx context.Context, req WriteRequest) (Status, error) {
	if req.Key == "" {
		return 0, fmt.Errorf("empty key")
	}

	key := s.Key(req.Key)
	cl := int64(len(req.Data))
	ifNoneMatch := "*"

	var body bytes.Reader
	body.Reset(req.Data)

	input := s3.PutObjectInput{
		Bucket:            s.bucketPtr,
		Key:               &key,
		Body:              &body,
		ContentLength:     &cl,
		IfNoneMatch:       &ifNoneMatch,
		ChecksumAlgorithm: s3types.ChecksumAlgorithmSha256,
		Metadata:          withDigest(req.Metadata, req.Digest),
	}
	if req.ContentType != "" {
		ct := req.ContentType
		input.ContentType = &ct
	}
	if req.ContentEncoding != "" {
		ce := req.ContentEncoding
		input.ContentEncoding = &ce
	}

	_, err := s.client.PutObject(ctx, &input)
	if err == nil {
		return StatusCreated, nil
	}
	if !isPreconditionFailed(err) {
		return 0, newError("put", key, err)
	}

	existing, err := s.digestOf(ctx, key)
	if err != nil {
		return 0, err
	}
	if existing == req.Digest {
		return StatusIdentical, nil
	}
	return 0, &ConflictError{Key: key, Digest: req.Digest, ExistingDigest: existing}
}

func (s *Sink) digestOf(ctx context.Context, key string) (string, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: s.bucketPtr,
		Key:    &key,
	})
	if err != nil {
		return "", newError("head", key, err)
	}
	for k, v := range out.Metadata {
		if strings.EqualFold(k, MetaDigest) {
			return v, nil
		}
	}
	return "", nil
}

func withDigest(meta map[string]string, digest string) map[string]string {
	if digest == "" {
		return meta
	}
	out := make(map[string]string, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	out[MetaDigest] = digest
	return out
}
