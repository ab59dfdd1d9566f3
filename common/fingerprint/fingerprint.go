package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// Compute hashes routingKey|messageID|StableJSON(payload) with SHA-256 and
// returns the 64-character hex digest.
func Compute(routingKey, messageID string, payload any) (string, error) {
	canonical, err := StableJSON(payload)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize payload: %w", err)
	}

	h := sha256.New()
	h.Write([]byte(routingKey))
	h.Write([]byte{'|'})
	h.Write([]byte(messageID))
	h.Write([]byte{'|'})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ToValidUTF8 decodes body as UTF-8, substituting U+FFFD for every byte
// that is not part of a valid sequence.
func ToValidUTF8(body []byte) string {
	if utf8.Valid(body) {
		return string(body)
	}
	var sb strings.Builder
	sb.Grow(len(body))
	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			sb.WriteRune(utf8.RuneError)
			body = body[1:]
			continue
		}
		sb.WriteRune(r)
		body = body[size:]
	}
	return sb.String()
}

// Decode parses a single JSON document into generic values, keeping numbers
// as json.Number so they can be reprinted exactly. Trailing data is an error.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("unexpected data after JSON document")
	}
	return v, nil
}

// DecodeBody turns a message body into its text form and decoded value.
// The text form is returned even when decoding fails so it can be
// dead-lettered.
func DecodeBody(body []byte) (string, any, error) {
	raw := ToValidUTF8(body)
	v, err := Decode([]byte(raw))
	if err != nil {
		return raw, nil, fmt.Errorf("failed to decode JSON body: %w", err)
	}
	return raw, v, nil
}
