// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides HTTP I/O helpers and peer URL
// normalization.
//
// Response helpers bound all body reads at MaxResponseSize so a
// misbehaving peer cannot exhaust memory. They are for the mesh's
// JSON APIs, not for streaming transfers.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// MaxResponseSize bounds JSON response body reads: 16 MB. Mesh
// responses are orders of magnitude smaller; the limit exists only to
// stop a pathological peer from exhausting memory.
const MaxResponseSize int64 = 16 << 20

// ReadResponse reads a JSON response body up to MaxResponseSize.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a bounded response body and JSON-decodes it
// into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := ReadResponse(body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody reads an error response body for diagnostics. Read errors
// are ignored — a partial body is still useful in an error message.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, MaxResponseSize))
	return string(data)
}

// NormalizeURL canonicalizes a peer URL. Empty input is rejected. A
// bare host:port gets an http:// scheme. A single trailing slash is
// stripped. Only http and https schemes are accepted.
func NormalizeURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("netutil: empty URL")
	}

	if !strings.Contains(trimmed, "://") {
		// Bare host:port form. Host names and IPs never contain a
		// colon except before the port (IPv6 literals must already be
		// bracketed by the caller).
		if !strings.Contains(trimmed, ":") {
			return "", fmt.Errorf("netutil: %q has neither scheme nor port", raw)
		}
		trimmed = "http://" + trimmed
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("netutil: parsing URL %q: %w", raw, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("netutil: unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("netutil: %q has no host", raw)
	}

	return strings.TrimSuffix(trimmed, "/"), nil
}
