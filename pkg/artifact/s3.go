// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

// Package artifact uploads verification reports to S3-compatible storage.
package artifact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/Phala-Network/trust-center/pkg/config"
	"github.com/Phala-Network/trust-center/pkg/util/log"
)

const reportPrefix = "reports/"

// Location points at one stored report.
type Location struct {
	Bucket   string `json:"bucket"`
	Key      string `json:"key"`
	Filename string `json:"filename"`
}

// ObjectPutter is the slice of the S3 API the sink needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink stores verification reports as JSON objects.
type S3Sink struct {
	client ObjectPutter
	bucket string
	newID  func() string
}

// NewS3Sink builds a sink from the service configuration. A custom endpoint
// (R2, MinIO) switches the client to path-style addressing.
func NewS3Sink(ctx context.Context, cfg *config.Config) (*S3Sink, error) {
	if cfg.S3Bucket == "" {
		return nil, fmt.Errorf("artifact: S3 bucket is not configured")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.S3Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("artifact: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3SinkWithClient(client, cfg.S3Bucket), nil
}

// NewS3SinkWithClient wires an existing client, mostly for tests.
func NewS3SinkWithClient(client ObjectPutter, bucket string) *S3Sink {
	return &S3Sink{
		client: client,
		bucket: bucket,
		newID:  uuid.NewString,
	}
}

// UploadJSON stores the payload as a fresh report object and returns where
// it went.
func (s *S3Sink) UploadJSON(ctx context.Context, payload interface{}) (*Location, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("artifact: encode report: %w", err)
	}

	filename := s.newID() + ".json"
	key := reportPrefix + filename

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("artifact: upload report %s: %w", key, err)
	}

	log.Debugf("uploaded report %s (%d bytes)", key, len(body))
	return &Location{Bucket: s.bucket, Key: key, Filename: filename}, nil
}
