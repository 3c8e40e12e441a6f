package repos

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/verdia/herbarium-backend/internal/normalization"
	apperrors "github.com/verdia/herbarium-backend/internal/pkg/errors"
	"github.com/verdia/herbarium-backend/internal/pkg/logger"
	"github.com/verdia/herbarium-backend/internal/types"
)

// ListSort is an explicit ordering for List. Call sites always pass one;
// there is no implicit default at the repo layer.
type ListSort string

const (
	// SortViewsDesc orders by view count, then newest first.
	SortViewsDesc ListSort = "views_desc"
	// SortNameAsc orders alphabetically by display name.
	SortNameAsc ListSort = "name_asc"
)

type ListFilter struct {
	// Search matches display name, scientific name and description by
	// case-insensitive substring.
	Search string
	// Family filters on the exact plant family when non-empty.
	Family string
	Sort   ListSort
	Offset int
	Limit  int
}

type PlantRepo interface {
	FindByKey(ctx context.Context, tx *gorm.DB, key string) (*types.Plant, error)
	Insert(ctx context.Context, tx *gorm.DB, plant *types.Plant) (*types.Plant, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, key string, fields map[string]any) (*types.Plant, error)
	List(ctx context.Context, tx *gorm.DB, filter ListFilter) ([]*types.Plant, int64, error)
	IncrementView(ctx context.Context, key string) error
	AppendMedia(ctx context.Context, tx *gorm.DB, key string, kind types.MediaKind, item types.MediaItem) error
	SetNarration(ctx context.Context, tx *gorm.DB, key string, text string) error
	Upsert(ctx context.Context, tx *gorm.DB, plant *types.Plant) (*types.Plant, error)
}

type plantRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPlantRepo(db *gorm.DB, baseLog *logger.Logger) PlantRepo {
	return &plantRepo{db: db, log: baseLog.With("repo", "PlantRepo")}
}

func (pr *plantRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return pr.db
}

func (pr *plantRepo) FindByKey(ctx context.Context, tx *gorm.DB, key string) (*types.Plant, error) {
	key = normalization.Key(key)
	if key == "" {
		return nil, fmt.Errorf("%w: empty plant key", apperrors.ErrInvalidArgument)
	}

	var plant types.Plant
	err := pr.conn(tx).WithContext(ctx).
		Where(`"key" = ?`, key).
		First(&plant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("plant %q: %w", key, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("find plant %q: %w: %v", key, apperrors.ErrStoreUnavailable, err)
	}
	return &plant, nil
}

func (pr *plantRepo) Insert(ctx context.Context, tx *gorm.DB, plant *types.Plant) (*types.Plant, error) {
	plant.Key = normalization.Key(plant.Key)
	if plant.Key == "" {
		return nil, fmt.Errorf("%w: empty plant key", apperrors.ErrInvalidArgument)
	}

	if err := pr.conn(tx).WithContext(ctx).Create(plant).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("plant %q: %w", plant.Key, apperrors.ErrDuplicateKey)
		}
		return nil, fmt.Errorf("insert plant %q: %w: %v", plant.Key, apperrors.ErrStoreUnavailable, err)
	}
	return plant, nil
}

func (pr *plantRepo) UpdateFields(ctx context.Context, tx *gorm.DB, key string, fields map[string]any) (*types.Plant, error) {
	key = normalization.Key(key)
	if len(fields) == 0 {
		return pr.FindByKey(ctx, tx, key)
	}

	res := pr.conn(tx).WithContext(ctx).
		Model(&types.Plant{}).
		Where(`"key" = ?`, key).
		Updates(fields)
	if res.Error != nil {
		return nil, fmt.Errorf("update plant %q: %w: %v", key, apperrors.ErrStoreUnavailable, res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("plant %q: %w", key, apperrors.ErrNotFound)
	}
	return pr.FindByKey(ctx, tx, key)
}

func (pr *plantRepo) List(ctx context.Context, tx *gorm.DB, filter ListFilter) ([]*types.Plant, int64, error) {
	q := pr.conn(tx).WithContext(ctx).Model(&types.Plant{})

	if s := filter.Search; s != "" {
		pattern := "%" + s + "%"
		q = q.Where(
			"display_name ILIKE ? OR scientific_name ILIKE ? OR description ILIKE ?",
			pattern, pattern, pattern,
		)
	}
	if filter.Family != "" {
		q = q.Where("family = ?", filter.Family)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count plants: %w: %v", apperrors.ErrStoreUnavailable, err)
	}

	switch filter.Sort {
	case SortNameAsc:
		q = q.Order("display_name ASC")
	case SortViewsDesc:
		q = q.Order("view_count DESC").Order("created_at DESC")
	default:
		return nil, 0, fmt.Errorf("%w: list sort %q", apperrors.ErrInvalidArgument, filter.Sort)
	}

	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	q = q.Limit(limit)

	var plants []*types.Plant
	if err := q.Find(&plants).Error; err != nil {
		return nil, 0, fmt.Errorf("list plants: %w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return plants, total, nil
}

// IncrementView bumps the counter with a single atomic UPDATE. Callers
// treat it as fire-and-forget; a miss or store error is reported but must
// never fail a read.
func (pr *plantRepo) IncrementView(ctx context.Context, key string) error {
	key = normalization.Key(key)
	res := pr.db.WithContext(ctx).
		Model(&types.Plant{}).
		Where(`"key" = ?`, key).
		UpdateColumn("view_count", gorm.Expr("view_count + 1"))
	if res.Error != nil {
		return fmt.Errorf("increment views for %q: %w: %v", key, apperrors.ErrStoreUnavailable, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("plant %q: %w", key, apperrors.ErrNotFound)
	}
	return nil
}

var mediaListColumn = map[types.MediaKind]string{
	types.MediaKindImage: "images",
	types.MediaKindVideo: "videos",
	types.MediaKindAudio: "audio",
}

// AppendMedia appends one item to the plant's media list of the given kind.
// The append happens inside a single UPDATE at the store layer so that two
// generations of different kinds completing at the same time cannot lose
// each other's writes.
func (pr *plantRepo) AppendMedia(ctx context.Context, tx *gorm.DB, key string, kind types.MediaKind, item types.MediaItem) error {
	key = normalization.Key(key)
	list, ok := mediaListColumn[kind]
	if !ok {
		return fmt.Errorf("%w: media kind %q", apperrors.ErrInvalidArgument, kind)
	}

	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode media item for %q: %w", key, err)
	}

	res := pr.conn(tx).WithContext(ctx).Exec(
		fmt.Sprintf(`
			UPDATE "plant"
			SET media = jsonb_set(
				COALESCE(media, '{}'::jsonb),
				'{%s}',
				COALESCE(media->'%s', '[]'::jsonb) || ?::jsonb
			),
			updated_at = now()
			WHERE "key" = ? AND deleted_at IS NULL
		`, list, list),
		string(raw), key,
	)
	if res.Error != nil {
		return fmt.Errorf("append %s media for %q: %w: %v", kind, key, apperrors.ErrStoreUnavailable, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("plant %q: %w", key, apperrors.ErrNotFound)
	}
	return nil
}

func (pr *plantRepo) SetNarration(ctx context.Context, tx *gorm.DB, key string, text string) error {
	_, err := pr.UpdateFields(ctx, tx, key, map[string]any{"narration_text": text})
	return err
}

// Upsert creates or replaces a manually curated plant. The manual path
// always clears model provenance.
func (pr *plantRepo) Upsert(ctx context.Context, tx *gorm.DB, plant *types.Plant) (*types.Plant, error) {
	plant.Key = normalization.Key(plant.Key)
	if plant.Key == "" {
		return nil, fmt.Errorf("%w: empty plant key", apperrors.ErrInvalidArgument)
	}
	plant.GeneratedByModel = false
	plant.ModelID = ""

	err := pr.conn(tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"display_name", "scientific_name", "family",
				"description", "habitat",
				"common_names", "medicinal_uses", "safety_warnings",
				"interesting_facts", "parts_used", "cultivation",
				"generated_by_model", "model_id", "updated_at",
			}),
		}).
		Create(plant).Error
	if err != nil {
		return nil, fmt.Errorf("upsert plant %q: %w: %v", plant.Key, apperrors.ErrStoreUnavailable, err)
	}
	return pr.FindByKey(ctx, tx, plant.Key)
}
