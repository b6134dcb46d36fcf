package featureflags

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rupaya/backend/internal/models"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository persists base definitions. Get returns ErrUnknownFlag when
// the key has no row.
type Repository interface {
	Get(ctx context.Context, key string) (*Definition, error)
	List(ctx context.Context) ([]Definition, error)
	Save(ctx context.Context, def Definition, updatedBy string) error
	SeedMissing(ctx context.Context, defs []Definition) (int, error)
}

type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) Get(ctx context.Context, key string) (*Definition, error) {
	var row models.FeatureFlag
	err := r.db.WithContext(ctx).Where(&models.FeatureFlag{Key: key}).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUnknownFlag
	}
	if err != nil {
		return nil, err
	}
	return decodeRow(&row)
}

func (r *GormRepository) List(ctx context.Context) ([]Definition, error) {
	var rows []models.FeatureFlag
	if err := r.db.WithContext(ctx).Order(clause.OrderByColumn{Column: clause.Column{Name: "key"}}).Find(&rows).Error; err != nil {
		return nil, err
	}
	defs := make([]Definition, 0, len(rows))
	for i := range rows {
		def, err := decodeRow(&rows[i])
		if err != nil {
			return nil, err
		}
		defs = append(defs, *def)
	}
	return defs, nil
}

func (r *GormRepository) Save(ctx context.Context, def Definition, updatedBy string) error {
	row, err := encodeRow(def, updatedBy)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"type", "definition", "updated_by", "updated_at"}),
	}).Create(row).Error
}

// SeedMissing inserts the definitions whose keys have no row yet and
// leaves edited rows alone.
func (r *GormRepository) SeedMissing(ctx context.Context, defs []Definition) (int, error) {
	inserted := 0
	for _, def := range defs {
		row, err := encodeRow(def, "")
		if err != nil {
			return inserted, err
		}
		res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
		if res.Error != nil {
			return inserted, fmt.Errorf("seed %s: %w", def.Key, res.Error)
		}
		inserted += int(res.RowsAffected)
	}
	return inserted, nil
}

func encodeRow(def Definition, updatedBy string) (*models.FeatureFlag, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", def.Key, err)
	}
	return &models.FeatureFlag{
		Key:        def.Key,
		Type:       string(def.Type),
		Definition: datatypes.JSON(data),
		UpdatedBy:  updatedBy,
		CreatedAt:  def.CreatedAt,
		UpdatedAt:  def.UpdatedAt,
	}, nil
}

func decodeRow(row *models.FeatureFlag) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(row.Definition, &def); err != nil {
		return nil, fmt.Errorf("decode %s: %w", row.Key, err)
	}
	def.Key = row.Key
	return &def, nil
}
