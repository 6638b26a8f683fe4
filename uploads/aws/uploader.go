package aws

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

// putObjectAPI is the part of the S3 client the uploader uses.
type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type s3Uploader struct {
	client    putObjectAPI
	bucket    string
	publicURL string
}

// NewUploader stores uploads in bucketName. publicURL is the base URL objects
// are reachable at; when empty the virtual-hosted bucket URL is used.
func NewUploader(bucketName, publicURL string) *s3Uploader {
	cfg, err := config.LoadDefaultConfig(context.TODO())
	if err != nil {
		log.Fatalf("unable to load SDK config, %v", err)
	}

	return newUploader(s3.NewFromConfig(cfg), bucketName, publicURL)
}

func newUploader(client putObjectAPI, bucketName, publicURL string) *s3Uploader {
	if publicURL == "" {
		publicURL = fmt.Sprintf("https://%s.s3.amazonaws.com", bucketName)
	}
	return &s3Uploader{
		client:    client,
		bucket:    bucketName,
		publicURL: strings.TrimRight(publicURL, "/"),
	}
}

func (u *s3Uploader) Upload(ctx context.Context, name, contentType string, data []byte) (string, error) {
	if path.Base(name) != name || name == "" || name == "." || name == ".." {
		return "", fmt.Errorf("invalid upload name %q", name)
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(name),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := u.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload %s: %v", name, err)
	}

	logrus.WithFields(logrus.Fields{
		"bucket": u.bucket,
		"key":    name,
		"size":   len(data),
	}).Info("Upload stored successfully")
	return u.publicURL + "/" + name, nil
}
