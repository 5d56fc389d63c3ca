// Package codec obscures persisted values at rest.
//
// The transform is a repeating-key XOR followed by standard base64. It keeps
// endpoints out of plain sight in the state store; it is not encryption.
package codec

import (
	"encoding/base64"
	"errors"
	"strings"
	"unicode/utf8"
)

// DefaultKey is used when no key is configured.
const DefaultKey = "DisplayResolver_StateTransform_v1!"

var (
	ErrEmptyInput = errors.New("codec: empty input")
	ErrMalformed  = errors.New("codec: input is not valid base64")
	ErrNotText    = errors.New("codec: decoded bytes are not valid text")
)

type Codec struct {
	key []byte
}

// New returns a codec for key. An empty key falls back to DefaultKey.
func New(key string) *Codec {
	if key == "" {
		key = DefaultKey
	}
	return &Codec{key: []byte(key)}
}

func (c *Codec) Encode(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyInput
	}
	return base64.StdEncoding.EncodeToString(c.xor([]byte(plaintext))), nil
}

func (c *Codec) Decode(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", ErrEmptyInput
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrMalformed
	}
	out := c.xor(raw)
	if !utf8.Valid(out) {
		return "", ErrNotText
	}
	return string(out), nil
}

// Reveal decodes a stored value, tolerating values written before obfuscation
// was introduced: if decoding fails and the raw value looks like an http(s)
// URL it is returned as-is. ok is false when the value is unusable.
func (c *Codec) Reveal(stored string) (value string, plain bool, ok bool) {
	if v, err := c.Decode(stored); err == nil {
		return v, false, true
	}
	if strings.HasPrefix(stored, "http") {
		return stored, true, true
	}
	return "", false, false
}

func (c *Codec) xor(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ c.key[i%len(c.key)]
	}
	return out
}
