package token

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

func fixedCodec(now time.Time) *Codec {
	c := NewCodec(func() time.Time { return now })
	c.rand = bytes.NewReader(bytes.Repeat([]byte{0xab}, 64))
	return c
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	created := time.UnixMilli(1_700_000_000_123)
	now := created.Add(10 * time.Second)
	c := fixedCodec(now)

	tok, err := c.Encode(Source{ClassID: "C1", SessionID: "2f1c9d7e-7c1b-4a51-9d2b-0b6f0e6d8a10", CreatedAt: created})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !strings.HasPrefix(tok.Value, "secure_C1_2f1c9d7e-7c1b-4a51-9d2b-0b6f0e6d8a10_") {
		t.Fatalf("Encode() = %q, unexpected prefix", tok.Value)
	}
	if want := now.Add(TTL); !tok.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", tok.ExpiresAt, want)
	}
	nonce := strings.Split(tok.Value, "_")[3]
	if len(nonce) != NonceSize*2 {
		t.Fatalf("nonce %q has %d hex chars, want %d", nonce, len(nonce), NonceSize*2)
	}

	p, err := Decode(tok.Value)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if p.ClassID != "C1" || p.SessionID != "2f1c9d7e-7c1b-4a51-9d2b-0b6f0e6d8a10" {
		t.Fatalf("Decode() = %+v", p)
	}
	if !p.SessionTimestamp.Equal(created) {
		t.Fatalf("SessionTimestamp = %v, want %v", p.SessionTimestamp, created)
	}
	if !p.Valid || p.Legacy {
		t.Fatalf("Valid=%v Legacy=%v, want true/false", p.Valid, p.Legacy)
	}
}

func TestEncodeUsesFreshNonces(t *testing.T) {
	c := NewCodec(nil)
	src := Source{ClassID: "C1", SessionID: "S1", CreatedAt: time.Now()}
	a, err := c.Encode(src)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Encode(src)
	if err != nil {
		t.Fatal(err)
	}
	if a.Value == b.Value {
		t.Fatalf("two encodes produced the same token %q", a.Value)
	}
}

func TestEncodeRejectsAmbiguousClassID(t *testing.T) {
	c := NewCodec(nil)
	if _, err := c.Encode(Source{ClassID: "CS_101", SessionID: "S1", CreatedAt: time.Now()}); err == nil {
		t.Fatal("Encode() with '_' in class id succeeded")
	}
	if _, err := c.Encode(Source{SessionID: "S1"}); err == nil {
		t.Fatal("Encode() without class id succeeded")
	}
}

func TestDecode(t *testing.T) {
	t0 := int64(1_700_000_000_000)
	ms := strconv.FormatInt(t0, 10)

	tests := []struct {
		name      string
		input     string
		wantClass string
		wantID    string
		legacy    bool
		wantErr   bool
	}{
		{
			name:      "secure",
			input:     "secure_C1_S1_ab12cd34ef567890_" + ms,
			wantClass: "C1",
			wantID:    "S1",
		},
		{
			name:      "secure with underscored session id",
			input:     "secure_C1_legacy_C1_" + ms + "_ab12_" + ms,
			wantClass: "C1",
			wantID:    "legacy_C1_" + ms,
		},
		{
			name:      "legacy",
			input:     "C1:" + ms,
			wantClass: "C1",
			wantID:    "legacy_C1_" + ms,
			legacy:    true,
		},
		{
			name:    "too few secure segments",
			input:   "secure_C1_S1_" + ms,
			wantErr: true,
		},
		{
			name:    "non numeric secure timestamp",
			input:   "secure_C1_S1_ab12_notanumber",
			wantErr: true,
		},
		{
			name:    "non hex nonce",
			input:   "secure_C1_S1_zz_" + ms,
			wantErr: true,
		},
		{
			name:    "non numeric legacy timestamp",
			input:   "C1:yesterday",
			wantErr: true,
		},
		{
			name:    "verification marker is not a legacy token",
			input:   "C1:" + ms + ":FACE_VERIFICATION",
			wantErr: true,
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Decode(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Decode(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("Decode(%q) error = %v, want ErrMalformed", tt.input, err)
				}
				return
			}
			if p.ClassID != tt.wantClass || p.SessionID != tt.wantID || p.Legacy != tt.legacy {
				t.Fatalf("Decode(%q) = %+v", tt.input, p)
			}
			if p.SessionTimestamp.UnixMilli() != t0 {
				t.Fatalf("SessionTimestamp = %d, want %d", p.SessionTimestamp.UnixMilli(), t0)
			}
		})
	}
}

func TestSecureAndLegacyAgreeOnClass(t *testing.T) {
	ms := "1700000000000"
	secure, err := Decode("secure_C1_S1_ab12cd34ef567890_" + ms)
	if err != nil {
		t.Fatal(err)
	}
	legacy, err := Decode("C1:" + ms)
	if err != nil {
		t.Fatal(err)
	}
	if secure.ClassID != legacy.ClassID {
		t.Fatalf("class ids differ: %q vs %q", secure.ClassID, legacy.ClassID)
	}
}

func TestDecodeFlagsEmptyClassInvalid(t *testing.T) {
	p, err := Decode(":1700000000000")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if p.Valid {
		t.Fatal("Valid = true for empty class id")
	}
}

func TestCheckExpiry(t *testing.T) {
	expires := time.Unix(1000, 0)
	if err := CheckExpiry(expires, expires); err != nil {
		t.Fatalf("CheckExpiry at the instant = %v, want nil", err)
	}
	if err := CheckExpiry(expires, expires.Add(-time.Second)); err != nil {
		t.Fatalf("CheckExpiry before = %v, want nil", err)
	}
	for _, late := range []time.Duration{time.Millisecond, time.Minute, 24 * time.Hour} {
		if err := CheckExpiry(expires, expires.Add(late)); !errors.Is(err, ErrExpired) {
			t.Fatalf("CheckExpiry +%v = %v, want ErrExpired", late, err)
		}
	}
}

func TestSplitVerificationMarker(t *testing.T) {
	class, ts, marked := SplitVerificationMarker("C1:1700000000000:FACE_VERIFICATION")
	if !marked || class != "C1" || ts.UnixMilli() != 1_700_000_000_000 {
		t.Fatalf("SplitVerificationMarker() = %q, %v, %v", class, ts, marked)
	}

	for _, in := range []string{"C1", "C1:1700000000000", "C1:abc:FACE_VERIFICATION", ":1:FACE_VERIFICATION", "C1:1:OTHER"} {
		class, _, marked := SplitVerificationMarker(in)
		if marked || class != in {
			t.Fatalf("SplitVerificationMarker(%q) = %q, %v; want unchanged, false", in, class, marked)
		}
	}
}
