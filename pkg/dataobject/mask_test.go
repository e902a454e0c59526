// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package dataobject

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskComposeFile(t *testing.T) {
	compose := `{"manifest_version":2,"docker_compose_file":"services:\n  app:\n    image: secret","name":"demo"}`
	objs := []Object{{
		ID:     "app-code",
		Fields: map[string]interface{}{composeFileField: compose, "other": "kept"},
	}}

	masked := MaskObjects(objs)
	require.Len(t, masked, 1)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(masked[0].Fields[composeFileField].(string)), &doc))
	assert.Equal(t, maskedValue, doc[dockerComposeKey])
	assert.Equal(t, float64(2), doc["manifest_version"])
	assert.Equal(t, "demo", doc["name"])
	assert.Equal(t, "kept", masked[0].Fields["other"])

	// Original untouched.
	assert.Equal(t, compose, objs[0].Fields[composeFileField])
}

func TestMaskNonJSONVerbatim(t *testing.T) {
	objs := []Object{{
		ID:     "app-code",
		Fields: map[string]interface{}{composeFileField: "services:\n  app: {}"},
	}}
	masked := MaskObjects(objs)
	assert.Equal(t, "services:\n  app: {}", masked[0].Fields[composeFileField])
}

func TestMaskMissingKeyVerbatim(t *testing.T) {
	objs := []Object{{
		ID:     "app-code",
		Fields: map[string]interface{}{composeFileField: `{"name":"demo"}`},
	}}
	masked := MaskObjects(objs)
	assert.Equal(t, `{"name":"demo"}`, masked[0].Fields[composeFileField])
}

func TestMaskIdempotent(t *testing.T) {
	objs := []Object{{
		ID:     "app-code",
		Fields: map[string]interface{}{composeFileField: `{"docker_compose_file":"x","k":1}`},
	}}
	once := MaskObjects(objs)
	twice := MaskObjects(once)
	assert.Equal(t, once[0].Fields[composeFileField], twice[0].Fields[composeFileField])
}

func TestMaskObjectsWithoutComposeFile(t *testing.T) {
	objs := []Object{{ID: "kms-cpu", Fields: map[string]interface{}{"cpu": "intel"}}, {ID: "bare"}}
	masked := MaskObjects(objs)
	assert.Equal(t, "intel", masked[0].Fields["cpu"])
	assert.Nil(t, masked[1].Fields)
}
