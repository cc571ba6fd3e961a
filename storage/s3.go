package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/keyquorum/recovery-backend/interfaces"
)

// S3Backend stores key blobs in an S3 bucket (or compatible service), one
// private object per participant id.
type S3Backend struct {
	client     *s3.S3
	bucketName string
	prefix     string
	log        *slog.Logger
}

// NewS3Backend creates an S3 store. Credentials are optional; without them
// the SDK's default chain applies.
func NewS3Backend(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Backend, error) {
	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Backend{
		client:     s3.New(sess),
		bucketName: bucketName,
		prefix:     strings.TrimSuffix(prefix, "/"),
		log:        log,
	}, nil
}

func (b *S3Backend) objectKey(participant interfaces.ParticipantId) string {
	if b.prefix == "" {
		return participant.String()
	}
	return path.Join(b.prefix, participant.String())
}

func s3Error(err error) error {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return fmt.Errorf("%w: %s", interfaces.ErrCloudStoragePermission, err)
		case s3.ErrCodeNoSuchKey:
			return interfaces.ErrKeyNotFound
		}
	}
	if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404") {
		return interfaces.ErrKeyNotFound
	}
	if strings.Contains(err.Error(), "AccessDenied") || strings.Contains(err.Error(), "403") {
		return fmt.Errorf("%w: %s", interfaces.ErrCloudStoragePermission, err)
	}
	return err
}

// SaveKey uploads the blob, replacing any previous one.
func (b *S3Backend) SaveKey(ctx context.Context, participant interfaces.ParticipantId, encryptedBytes []byte) error {
	key := b.objectKey(participant)

	_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
		Body:   bytes.NewReader(encryptedBytes),
		ACL:    aws.String("private"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload key blob to S3: %w", s3Error(err))
	}

	b.log.Debug("Stored key blob in S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key),
		slog.Int("size", len(encryptedBytes)))
	return nil
}

// LoadKey downloads the blob for a participant.
func (b *S3Backend) LoadKey(ctx context.Context, participant interfaces.ParticipantId) ([]byte, error) {
	key := b.objectKey(participant)

	result, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		mapped := s3Error(err)
		if mapped == interfaces.ErrKeyNotFound {
			return nil, mapped
		}
		return nil, fmt.Errorf("failed to get key blob from S3: %w", mapped)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}

	b.log.Debug("Fetched key blob from S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", key),
		slog.Int("size", len(data)))
	return data, nil
}

// HasKey checks for the blob with a head request.
func (b *S3Backend) HasKey(ctx context.Context, participant interfaces.ParticipantId) (bool, error) {
	_, err := b.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(b.objectKey(participant)),
	})
	if err != nil {
		mapped := s3Error(err)
		if mapped == interfaces.ErrKeyNotFound || strings.Contains(err.Error(), "NotFound") {
			return false, nil
		}
		return false, fmt.Errorf("failed to head key blob: %w", mapped)
	}
	return true, nil
}

// Name returns a unique identifier for this storage backend.
func (b *S3Backend) Name() string {
	return fmt.Sprintf("s3-%s", b.bucketName)
}
