// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

const (
	// maxNestedLevels bounds telemetry map nesting. Device telemetry
	// is flat or one level deep in practice.
	maxNestedLevels = 16

	// maxMapPairs bounds the number of fields in any single map. A
	// configs report from a camera has a few dozen fields.
	maxMapPairs = 4096
)

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so the
// same command always produces the same bytes on the wire.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields so newer
// device firmware can add envelope fields without breaking the server.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Telemetry values decode into map[string]any so they can be
		// merged into a live record and re-served as JSON. The CBOR
		// default of map[interface{}]interface{} cannot be marshaled
		// by encoding/json.
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		MaxNestedLevels: maxNestedLevels,
		MaxMapPairs:     maxMapPairs,
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Diagnose returns the CBOR diagnostic notation (RFC 8949 §8) for
// data. Used when logging device messages that failed to decode.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
