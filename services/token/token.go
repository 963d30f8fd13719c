// Package token encodes and decodes the session tokens shown as QR codes.
//
// Two wire formats are accepted:
//
//	secure_<classId>_<sessionId>_<nonceHex>_<epochMillis>
//	<classId>:<epochMillis>
//
// The second (legacy) form carries no nonce and no session id; decoding
// synthesizes the id as legacy_<classId>_<epochMillis>. In both formats the
// timestamp is the session creation instant, not the expiry.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

const (
	// TTL is how long a freshly encoded token may be redeemed.
	TTL = 5 * time.Minute

	// NonceSize is the number of random bytes embedded in a secure token.
	NonceSize = 16

	securePrefix   = "secure_"
	legacyIDPrefix = "legacy_"

	// VerificationMarker suffixes class fields submitted by the face flow.
	VerificationMarker = "FACE_VERIFICATION"
)

var (
	// ErrMalformed means the token matched neither wire format.
	ErrMalformed = errors.New("token malformed")
	// ErrExpired means the token parsed but its redemption window closed.
	ErrExpired = errors.New("token expired")
)

// Source is the session data a token is rendered from.
type Source struct {
	ClassID   string
	SessionID string
	CreatedAt time.Time
}

// Token is an encoded session token and the instant it stops being redeemable.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Payload is what Decode recovers from a token string.
type Payload struct {
	ClassID          string
	SessionID        string
	SessionTimestamp time.Time
	Legacy           bool
	// Valid reports structural well-formedness only. Expiry is checked
	// separately against the stored expiration instant.
	Valid bool
}

// Codec renders tokens. The zero value is not usable; call NewCodec.
type Codec struct {
	rand io.Reader
	now  func() time.Time
}

// NewCodec returns a Codec drawing nonces from crypto/rand. A nil now
// defaults to time.Now.
func NewCodec(now func() time.Time) *Codec {
	if now == nil {
		now = time.Now
	}
	return &Codec{rand: rand.Reader, now: now}
}

// Encode renders src in the secure format with a fresh nonce and an
// expiry of now+TTL.
func (c *Codec) Encode(src Source) (Token, error) {
	if src.ClassID == "" || src.SessionID == "" {
		return Token{}, errors.New("class id and session id are required")
	}
	if strings.Contains(src.ClassID, "_") {
		return Token{}, fmt.Errorf("class id %q must not contain '_'", src.ClassID)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return Token{}, fmt.Errorf("read nonce: %w", err)
	}

	value := fmt.Sprintf("%s%s_%s_%s_%d",
		securePrefix, src.ClassID, src.SessionID, hex.EncodeToString(nonce), src.CreatedAt.UnixMilli())

	return Token{Value: value, ExpiresAt: c.now().Add(TTL)}, nil
}

// Decode parses s, trying the secure format before the legacy one.
func Decode(s string) (Payload, error) {
	s = strings.TrimSpace(s)
	if p, ok := decodeSecure(s); ok {
		return p, nil
	}
	if p, ok := decodeLegacy(s); ok {
		return p, nil
	}
	return Payload{}, ErrMalformed
}

func decodeSecure(s string) (Payload, bool) {
	rest, ok := strings.CutPrefix(s, securePrefix)
	if !ok {
		return Payload{}, false
	}

	parts := strings.Split(rest, "_")
	if len(parts) < 4 {
		return Payload{}, false
	}

	millis, err := strconv.ParseInt(parts[len(parts)-1], 10, 64)
	if err != nil {
		return Payload{}, false
	}
	nonce := parts[len(parts)-2]
	if _, err := hex.DecodeString(nonce); err != nil || nonce == "" {
		return Payload{}, false
	}

	classID := parts[0]
	sessionID := strings.Join(parts[1:len(parts)-2], "_")

	return Payload{
		ClassID:          classID,
		SessionID:        sessionID,
		SessionTimestamp: time.UnixMilli(millis),
		Valid:            classID != "" && sessionID != "" && millis > 0,
	}, true
}

func decodeLegacy(s string) (Payload, bool) {
	classID, rawMillis, ok := strings.Cut(s, ":")
	if !ok || strings.Contains(rawMillis, ":") {
		return Payload{}, false
	}

	millis, err := strconv.ParseInt(rawMillis, 10, 64)
	if err != nil {
		return Payload{}, false
	}

	return Payload{
		ClassID:          classID,
		SessionID:        LegacySessionID(classID, millis),
		SessionTimestamp: time.UnixMilli(millis),
		Legacy:           true,
		Valid:            classID != "" && millis > 0,
	}, true
}

// LegacySessionID is the id synthesized for legacy tokens.
func LegacySessionID(classID string, millis int64) string {
	return fmt.Sprintf("%s%s_%d", legacyIDPrefix, classID, millis)
}

// CheckExpiry returns ErrExpired when now is past expiresAt.
func CheckExpiry(expiresAt, now time.Time) error {
	if now.After(expiresAt) {
		return ErrExpired
	}
	return nil
}

// SplitVerificationMarker recognises class fields of the form
// <classId>:<epochMillis>:FACE_VERIFICATION. For any other input it returns
// the field unchanged with marked=false.
func SplitVerificationMarker(field string) (classID string, sessionTimestamp time.Time, marked bool) {
	field = strings.TrimSpace(field)
	parts := strings.Split(field, ":")
	if len(parts) != 3 || parts[2] != VerificationMarker || parts[0] == "" {
		return field, time.Time{}, false
	}
	millis, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return field, time.Time{}, false
	}
	return parts[0], time.UnixMilli(millis), true
}
