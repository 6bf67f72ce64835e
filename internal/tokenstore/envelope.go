package tokenstore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	envelopeSeparator = ":"

	// payloadVersion is written into every sealed payload.
	payloadVersion = 2
)

// envelopeEncoding is strict so that flipping any character of an encoded
// field changes the decoded bytes (or fails), never decoding to the same value.
var envelopeEncoding = base64.RawURLEncoding.Strict()

// Envelope is the serialized form of a stored token: either a LegacyEnvelope or a VersionedEnvelope.
type Envelope interface {
	isEnvelope()
}

// LegacyEnvelope is the pre-encryption format: standard base64 of JSON {data, timestamp}, no MAC.
type LegacyEnvelope struct {
	Encoded string
}

// VersionedEnvelope is "iv:ciphertext:mac", each field raw-url base64.
type VersionedEnvelope struct {
	IV         []byte
	Ciphertext []byte
	MAC        []byte
}

func (LegacyEnvelope) isEnvelope()    {}
func (VersionedEnvelope) isEnvelope() {}

// String encodes the envelope for storage.
func (v VersionedEnvelope) String() string {
	return strings.Join([]string{
		envelopeEncoding.EncodeToString(v.IV),
		envelopeEncoding.EncodeToString(v.Ciphertext),
		envelopeEncoding.EncodeToString(v.MAC),
	}, envelopeSeparator)
}

// ParseEnvelope selects the envelope kind from the number of separators:
// two means versioned, none means legacy, anything else is corrupt.
func ParseEnvelope(raw string) (Envelope, error) {
	switch strings.Count(raw, envelopeSeparator) {
	case 0:
		if raw == "" {
			return nil, fmt.Errorf("%w: empty envelope", ErrDecodeFailure)
		}
		return LegacyEnvelope{Encoded: raw}, nil
	case 2:
		parts := strings.Split(raw, envelopeSeparator)
		fields := make([][]byte, len(parts))
		for i, part := range parts {
			decoded, err := envelopeEncoding.DecodeString(part)
			if err != nil {
				return nil, fmt.Errorf("%w: envelope field %d: %v", ErrDecodeFailure, i, err)
			}
			fields[i] = decoded
		}
		return VersionedEnvelope{IV: fields[0], Ciphertext: fields[1], MAC: fields[2]}, nil
	default:
		return nil, fmt.Errorf("%w: unexpected envelope structure", ErrDecodeFailure)
	}
}

// payload is the plaintext sealed inside an envelope.
type payload struct {
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	Version   int    `json:"version,omitempty"`
}

// decodePayload parses plaintext JSON and enforces the age limit.
func decodePayload(plaintext []byte, now time.Time, ttl time.Duration) (string, error) {
	var p payload
	if err := json.Unmarshal(plaintext, &p); err != nil {
		return "", fmt.Errorf("%w: payload: %v", ErrDecodeFailure, err)
	}
	if p.Timestamp == 0 {
		return "", fmt.Errorf("%w: payload without timestamp", ErrDecodeFailure)
	}

	age := now.Sub(time.UnixMilli(p.Timestamp))
	if age > ttl {
		return "", ErrExpiredToken
	}
	return p.Data, nil
}

// decodeLegacy reads a legacy envelope. Legacy envelopes are unauthenticated.
func decodeLegacy(env LegacyEnvelope, now time.Time, ttl time.Duration) (string, error) {
	plaintext, err := base64.StdEncoding.DecodeString(env.Encoded)
	if err != nil {
		return "", fmt.Errorf("%w: legacy envelope: %v", ErrDecodeFailure, err)
	}
	return decodePayload(plaintext, now, ttl)
}
