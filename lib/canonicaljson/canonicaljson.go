// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package canonicaljson serializes JSON-compatible values to a
// deterministic byte sequence suitable for signing: object keys sorted
// by code point, arrays in order, minimal whitespace, no HTML escaping,
// finite numbers only. Two structurally equal values always produce
// byte-identical output, and the output is itself valid JSON, so
// Encode(Decode(Encode(v))) is a fixed point.
package canonicaljson

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Encode marshals v through encoding/json and re-emits the result in
// canonical form.
func Encode(v any) ([]byte, error) {
	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return nil, fmt.Errorf("canonicaljson: encoding value: %w", err)
	}
	return EncodeRaw(bytes.TrimRight(buffer.Bytes(), "\n"))
}

// EncodeRaw canonicalizes already-encoded JSON bytes.
func EncodeRaw(raw []byte) ([]byte, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, fmt.Errorf("canonicaljson: parsing input: %w", err)
	}
	if decoder.More() {
		return nil, fmt.Errorf("canonicaljson: trailing data after JSON value")
	}

	var buffer bytes.Buffer
	if err := emit(&buffer, value); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// emit writes the canonical form of a decoded JSON value. The value
// tree comes from encoding/json with UseNumber, so the only possible
// types are nil, bool, string, json.Number, []any, and map[string]any.
func emit(buffer *bytes.Buffer, value any) error {
	switch v := value.(type) {
	case nil:
		buffer.WriteString("null")
	case bool:
		if v {
			buffer.WriteString("true")
		} else {
			buffer.WriteString("false")
		}
	case string:
		return emitString(buffer, v)
	case json.Number:
		return emitNumber(buffer, v)
	case []any:
		buffer.WriteByte('[')
		for i, element := range v {
			if i > 0 {
				buffer.WriteByte(',')
			}
			if err := emit(buffer, element); err != nil {
				return err
			}
		}
		buffer.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		// Byte-wise ordering of UTF-8 strings is code-point ordering.
		sort.Strings(keys)

		buffer.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				buffer.WriteByte(',')
			}
			if err := emitString(buffer, key); err != nil {
				return err
			}
			buffer.WriteByte(':')
			if err := emit(buffer, v[key]); err != nil {
				return err
			}
		}
		buffer.WriteByte('}')
	default:
		return fmt.Errorf("canonicaljson: unsupported value type %T", value)
	}
	return nil
}

// emitString writes a JSON string with standard escaping and without
// HTML escaping (a fixed choice — both sides of a signature must agree
// on one).
func emitString(buffer *bytes.Buffer, s string) error {
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(s); err != nil {
		return fmt.Errorf("canonicaljson: encoding string: %w", err)
	}
	// json.Encoder appends a newline after every value.
	buffer.Truncate(buffer.Len() - 1)
	return nil
}

// emitNumber normalizes a JSON number: integers in plain decimal,
// everything else in Go's shortest float form. Non-finite values are
// rejected.
func emitNumber(buffer *bytes.Buffer, n json.Number) error {
	if i, err := n.Int64(); err == nil {
		buffer.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("canonicaljson: invalid number %q: %w", n.String(), err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("canonicaljson: non-finite number %q", n.String())
	}
	formatted, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("canonicaljson: formatting number %q: %w", n.String(), err)
	}
	buffer.Write(formatted)
	return nil
}
