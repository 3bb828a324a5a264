// Copyright 2026 The Corral Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the CBOR encoding used for cross-node fabric
// envelopes and stored heartbeat payload blobs. Encoding is Core
// Deterministic (RFC 8949 §4.2) so the same logical value always
// produces identical bytes; decoding ignores unknown fields so nodes
// running different versions interoperate during rolling upgrades.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Device attribute snapshots decode into any-typed values.
		// Corral only ever uses string map keys, and map[string]any
		// (rather than the CBOR default map[any]any) keeps those
		// values compatible with encoding/json and the rest of the
		// codebase.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v using Core Deterministic Encoding.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// RawMessage is a raw encoded CBOR value, for delaying decode of a
// nested payload.
type RawMessage = cbor.RawMessage
