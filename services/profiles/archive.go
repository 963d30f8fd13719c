package profiles

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"gopkg.in/yaml.v3"
)

const archiveVersion = "1"

// Manifest is the decrypted, decompressed body of a profile archive.
type Manifest struct {
	Version    string    `yaml:"version"`
	ExportedAt time.Time `yaml:"exported_at"`
	Profiles   []Profile `yaml:"profiles"`
}

// NewManifest wraps profiles for export.
func NewManifest(profiles []Profile, now time.Time) Manifest {
	return Manifest{
		Version:    archiveVersion,
		ExportedAt: now.UTC().Truncate(time.Second),
		Profiles:   profiles,
	}
}

// Export writes m to w as YAML, compressed with zstd and encrypted to
// every recipient with age.
func Export(w io.Writer, m Manifest, recipients ...age.Recipient) error {
	if len(recipients) == 0 {
		return errors.New("at least one recipient is required")
	}

	body, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	encrypted, err := age.Encrypt(w, recipients...)
	if err != nil {
		return fmt.Errorf("age encrypt: %w", err)
	}

	encoder, err := zstd.NewWriter(encrypted)
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	if _, err := encoder.Write(body); err != nil {
		encoder.Close()
		return fmt.Errorf("write archive: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("flush zstd: %w", err)
	}
	if err := encrypted.Close(); err != nil {
		return fmt.Errorf("flush age: %w", err)
	}
	return nil
}

// Import reverses Export. It fails unless one of identities can decrypt r.
func Import(r io.Reader, identities ...age.Identity) (Manifest, error) {
	if len(identities) == 0 {
		return Manifest{}, errors.New("at least one identity is required")
	}

	decrypted, err := age.Decrypt(r, identities...)
	if err != nil {
		return Manifest{}, fmt.Errorf("age decrypt: %w", err)
	}

	decoder, err := zstd.NewReader(decrypted)
	if err != nil {
		return Manifest{}, fmt.Errorf("zstd reader: %w", err)
	}
	defer decoder.Close()

	body, err := io.ReadAll(decoder)
	if err != nil {
		return Manifest{}, fmt.Errorf("read archive: %w", err)
	}

	var m Manifest
	if err := yaml.NewDecoder(bytes.NewReader(body)).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Version != archiveVersion {
		return Manifest{}, fmt.Errorf("unsupported archive version %q", m.Version)
	}
	for i, p := range m.Profiles {
		if _, err := checkEmbeddings(p.OwnerID, p.Embeddings, p.Dimension); err != nil {
			return Manifest{}, fmt.Errorf("profile %d: %w", i, err)
		}
	}
	return m, nil
}

// Restore writes every profile in m to repo and returns how many it stored.
func Restore(ctx context.Context, repo Repository, m Manifest) (int, error) {
	for i, p := range m.Profiles {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := repo.Put(ctx, p); err != nil {
			return i, fmt.Errorf("restore %s: %w", p.OwnerID, err)
		}
	}
	return len(m.Profiles), nil
}

// ParseRecipients parses age X25519 public keys ("age1...").
func ParseRecipients(keys []string) ([]age.Recipient, error) {
	out := make([]age.Recipient, 0, len(keys))
	for _, key := range keys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		r, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parse recipient %q: %w", key, err)
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, errors.New("no recipients given")
	}
	return out, nil
}

// ParseIdentities reads age identities in the age-keygen file format.
func ParseIdentities(r io.Reader) ([]age.Identity, error) {
	ids, err := age.ParseIdentities(r)
	if err != nil {
		return nil, fmt.Errorf("parse identities: %w", err)
	}
	return ids, nil
}
