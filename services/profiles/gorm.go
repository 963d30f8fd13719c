package profiles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type faceProfileRow struct {
	ID         uuid.UUID                      `gorm:"type:uuid;primaryKey"`
	OwnerID    string                         `gorm:"type:text;uniqueIndex;not null"`
	Embeddings datatypes.JSONSlice[[]float32] `gorm:"type:jsonb;not null"`
	Dimension  int                            `gorm:"type:integer;not null"`
	CreatedAt  time.Time                      `gorm:"type:timestamptz;not null;autoCreateTime"`
	UpdatedAt  time.Time                      `gorm:"type:timestamptz;not null;autoUpdateTime"`
}

func (faceProfileRow) TableName() string { return "face_profiles" }

func (r faceProfileRow) profile() Profile {
	return Profile{
		ID:         r.ID,
		OwnerID:    r.OwnerID,
		Embeddings: cloneEmbeddings(r.Embeddings),
		Dimension:  r.Dimension,
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
}

// GormRepository stores profiles in the face_profiles table.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository wraps an open GORM session.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (g *GormRepository) Get(ctx context.Context, ownerID string) (Profile, error) {
	var row faceProfileRow
	err := g.db.WithContext(ctx).Where("owner_id = ?", ownerID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrNoFaceProfile
	}
	if err != nil {
		return Profile{}, err
	}
	return row.profile(), nil
}

// errCreateRace is returned by save when another transaction created the
// owner's row first.
var errCreateRace = errors.New("face profile created concurrently")

const saveAttempts = 3

func (g *GormRepository) Save(ctx context.Context, ownerID string, embeddings [][]float32, replace bool) (Profile, error) {
	return retryCreateRace(func() (Profile, error) {
		return g.save(ctx, ownerID, embeddings, replace)
	})
}

// retryCreateRace reruns fn while it loses the race to create a row. The
// rerun finds the winner's row and updates it.
func retryCreateRace(fn func() (Profile, error)) (Profile, error) {
	var err error
	for attempt := 0; attempt < saveAttempts; attempt++ {
		var p Profile
		p, err = fn()
		if !errors.Is(err, errCreateRace) {
			return p, err
		}
	}
	return Profile{}, fmt.Errorf("save face profile: %w", err)
}

func (g *GormRepository) save(ctx context.Context, ownerID string, embeddings [][]float32, replace bool) (Profile, error) {
	var saved faceProfileRow
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row faceProfileRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("owner_id = ?", ownerID).
			First(&row).Error
		creating := errors.Is(err, gorm.ErrRecordNotFound)
		if err != nil && !creating {
			return err
		}

		existing := [][]float32(row.Embeddings)
		if replace || creating {
			existing = nil
			row.Dimension = 0
		}
		dim, err := checkEmbeddings(ownerID, embeddings, row.Dimension)
		if err != nil {
			return err
		}

		row.Embeddings = datatypes.JSONSlice[[]float32](append(cloneEmbeddings(existing), cloneEmbeddings(embeddings)...))
		row.Dimension = dim
		if creating {
			row.ID = uuid.New()
			row.OwnerID = ownerID
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errCreateRace
			}
		} else if err := tx.Save(&row).Error; err != nil {
			return err
		}
		saved = row
		return nil
	})
	if err != nil {
		return Profile{}, err
	}
	return saved.profile(), nil
}

func (g *GormRepository) Put(ctx context.Context, p Profile) error {
	dim, err := checkEmbeddings(p.OwnerID, p.Embeddings, 0)
	if err != nil {
		return err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	row := faceProfileRow{
		ID:         p.ID,
		OwnerID:    p.OwnerID,
		Embeddings: datatypes.JSONSlice[[]float32](cloneEmbeddings(p.Embeddings)),
		Dimension:  dim,
		CreatedAt:  p.CreatedAt,
	}
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"embeddings", "dimension", "updated_at"}),
	}).Create(&row).Error
}

func (g *GormRepository) List(ctx context.Context) ([]Profile, error) {
	var rows []faceProfileRow
	if err := g.db.WithContext(ctx).Order("owner_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Profile, len(rows))
	for i, row := range rows {
		out[i] = row.profile()
	}
	return out, nil
}

func (g *GormRepository) Delete(ctx context.Context, ownerID string) error {
	res := g.db.WithContext(ctx).Where("owner_id = ?", ownerID).Delete(&faceProfileRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNoFaceProfile
	}
	return nil
}
