// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package dataobject

import "encoding/json"

const (
	composeFileField = "compose_file"
	dockerComposeKey = "docker_compose_file"
	maskedValue      = "[MASKED]"
)

// MaskObjects returns masked copies of the given objects. Every compose_file
// field holding a valid JSON document gets its inner docker_compose_file
// value replaced with "[MASKED]"; anything else is returned verbatim. The
// input objects are never mutated and masking is idempotent.
func MaskObjects(objects []Object) []Object {
	out := make([]Object, 0, len(objects))
	for _, obj := range objects {
		masked := obj.Clone()
		if raw, ok := masked.Fields[composeFileField]; ok {
			if s, ok := raw.(string); ok {
				masked.Fields[composeFileField] = maskComposeFile(s)
			}
		}
		out = append(out, masked)
	}
	return out
}

func maskComposeFile(s string) string {
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return s
	}
	if _, ok := doc[dockerComposeKey]; !ok {
		return s
	}
	doc[dockerComposeKey] = maskedValue
	masked, err := json.Marshal(doc)
	if err != nil {
		return s
	}
	return string(masked)
}
