package profiles

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNoFaceProfile is returned when the owner has never enrolled.
var ErrNoFaceProfile = errors.New("no face profile enrolled")

// ErrDimensionMismatch is returned when new embeddings do not match the
// length of the ones already stored.
var ErrDimensionMismatch = errors.New("embedding dimension does not match profile")

// Profile is an owner's enrolled face embeddings. Each vector is stored
// L2-normalized and never modified afterwards.
type Profile struct {
	ID         uuid.UUID   `json:"profile_id" yaml:"id"`
	OwnerID    string      `json:"owner_id" yaml:"owner_id"`
	Embeddings [][]float32 `json:"-" yaml:"embeddings"`
	Dimension  int         `json:"dimension" yaml:"dimension"`
	CreatedAt  time.Time   `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at" yaml:"updated_at"`
}

// Repository stores face profiles keyed by owner.
type Repository interface {
	Get(ctx context.Context, ownerID string) (Profile, error)
	// Save appends embeddings to the owner's profile, creating it when
	// missing. With replace the stored set is discarded first.
	Save(ctx context.Context, ownerID string, embeddings [][]float32, replace bool) (Profile, error)
	// Put stores p as-is, replacing whatever the owner had. Used to
	// restore archived profiles.
	Put(ctx context.Context, p Profile) error
	List(ctx context.Context) ([]Profile, error)
	Delete(ctx context.Context, ownerID string) error
}

// checkEmbeddings validates a set of new vectors against the dimension
// already stored (0 when there is none) and returns the set's dimension.
func checkEmbeddings(ownerID string, embeddings [][]float32, existingDim int) (int, error) {
	if strings.TrimSpace(ownerID) == "" {
		return 0, errors.New("owner id is required")
	}
	if len(embeddings) == 0 {
		return 0, errors.New("at least one embedding is required")
	}
	dim := existingDim
	for i, v := range embeddings {
		if len(v) == 0 {
			return 0, fmt.Errorf("embedding %d is empty", i)
		}
		if dim == 0 {
			dim = len(v)
		}
		if len(v) != dim {
			return 0, fmt.Errorf("%w: embedding %d has %d values, want %d", ErrDimensionMismatch, i, len(v), dim)
		}
	}
	return dim, nil
}

func cloneEmbeddings(in [][]float32) [][]float32 {
	out := make([][]float32, len(in))
	for i, v := range in {
		out[i] = append([]float32(nil), v...)
	}
	return out
}
