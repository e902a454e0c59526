// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	err    error
}

func (f *fakePutter) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestUploadJSON(t *testing.T) {
	putter := &fakePutter{}
	sink := NewS3SinkWithClient(putter, "reports-bucket")
	sink.newID = func() string { return "0b9c1a2d" }

	loc, err := sink.UploadJSON(context.Background(), map[string]bool{"success": true})
	require.NoError(t, err)

	assert.Equal(t, "reports-bucket", loc.Bucket)
	assert.Equal(t, "reports/0b9c1a2d.json", loc.Key)
	assert.Equal(t, "0b9c1a2d.json", loc.Filename)

	require.Len(t, putter.inputs, 1)
	in := putter.inputs[0]
	assert.Equal(t, "reports-bucket", *in.Bucket)
	assert.Equal(t, "reports/0b9c1a2d.json", *in.Key)
	assert.Equal(t, "application/json", *in.ContentType)

	body, err := io.ReadAll(in.Body)
	require.NoError(t, err)
	var decoded map[string]bool
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.True(t, decoded["success"])
}

func TestUploadJSONPutError(t *testing.T) {
	putter := &fakePutter{err: fmt.Errorf("access denied")}
	sink := NewS3SinkWithClient(putter, "reports-bucket")

	loc, err := sink.UploadJSON(context.Background(), map[string]string{})
	require.Error(t, err)
	assert.Nil(t, loc)
	assert.Contains(t, err.Error(), "access denied")
}

func TestUploadJSONEncodeError(t *testing.T) {
	putter := &fakePutter{}
	sink := NewS3SinkWithClient(putter, "reports-bucket")

	_, err := sink.UploadJSON(context.Background(), map[string]interface{}{"bad": func() {}})
	require.Error(t, err)
	assert.Empty(t, putter.inputs)
}
