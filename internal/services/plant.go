package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/verdia/herbarium-backend/internal/normalization"
	apperrors "github.com/verdia/herbarium-backend/internal/pkg/errors"
	"github.com/verdia/herbarium-backend/internal/pkg/logger"
	"github.com/verdia/herbarium-backend/internal/repos"
	"github.com/verdia/herbarium-backend/internal/types"
)

const viewCountTimeout = 5 * time.Second

// SourceCache and SourceGenerated tag where a resolved record came from.
const (
	SourceCache     = "cache"
	SourceGenerated = "generated"
)

// Resolution is the outcome of a Resolve call: the record plus where it
// came from.
type Resolution struct {
	Source string       `json:"source"`
	Record *types.Plant `json:"record"`
}

// PlantPage is one page of a listing.
type PlantPage struct {
	Plants  []*types.Plant `json:"plants"`
	Total   int64          `json:"total"`
	Offset  int            `json:"offset"`
	Limit   int            `json:"limit"`
	HasMore bool           `json:"hasMore"`
}

// ListOptions shape a List call. Sort defaults to view count descending
// when left empty.
type ListOptions struct {
	Search string
	Family string
	Sort   repos.ListSort
	Offset int
	Limit  int
}

type PlantService interface {
	// Resolve returns the stored record for rawName if one exists,
	// otherwise generates one, persists it, and returns it. A cache hit
	// bumps the view counter in the background; the read never waits on
	// or fails because of the counter.
	Resolve(ctx context.Context, rawName string) (*Resolution, error)

	// Get returns the stored record without generating on a miss.
	Get(ctx context.Context, rawName string) (*types.Plant, error)

	List(ctx context.Context, opts ListOptions) (*PlantPage, error)

	// Upsert creates or replaces a manually curated record. Manual
	// records never carry model provenance.
	Upsert(ctx context.Context, plant *types.Plant) (*types.Plant, error)
}

type plantService struct {
	db        *gorm.DB
	log       *logger.Logger
	plantRepo repos.PlantRepo
	generator GeneratorService
}

func NewPlantService(db *gorm.DB, log *logger.Logger, plantRepo repos.PlantRepo, generator GeneratorService) PlantService {
	return &plantService{
		db:        db,
		log:       log.With("service", "PlantService"),
		plantRepo: plantRepo,
		generator: generator,
	}
}

func (ps *plantService) Resolve(ctx context.Context, rawName string) (*Resolution, error) {
	key := normalization.Key(rawName)
	if key == "" {
		return nil, fmt.Errorf("%w: empty plant name", apperrors.ErrInvalidArgument)
	}

	plant, err := ps.plantRepo.FindByKey(ctx, nil, key)
	if err == nil {
		ps.bumpViewCount(key)
		return &Resolution{Source: SourceCache, Record: plant}, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		return nil, fmt.Errorf("resolve %q: %w", key, err)
	}

	generated, err := ps.generator.GenerateRecord(ctx, key)
	if err != nil {
		// ErrNotFound (unknown plant) and everything else both
		// propagate; nothing is persisted either way, so a later
		// Resolve re-attempts generation.
		return nil, fmt.Errorf("resolve %q: %w", key, err)
	}

	inserted, err := ps.plantRepo.Insert(ctx, nil, generated)
	if err != nil {
		if errors.Is(err, apperrors.ErrDuplicateKey) {
			// Another resolution for the same key won the insert
			// race. Its record is authoritative; ours is discarded.
			ps.log.Info("Lost insert race, re-reading", "key", key)
			winner, findErr := ps.plantRepo.FindByKey(ctx, nil, key)
			if findErr != nil {
				return nil, fmt.Errorf("resolve %q after duplicate: %w", key, findErr)
			}
			return &Resolution{Source: SourceCache, Record: winner}, nil
		}
		return nil, fmt.Errorf("resolve %q: %w", key, err)
	}
	return &Resolution{Source: SourceGenerated, Record: inserted}, nil
}

// bumpViewCount runs the increment on a detached context so it survives
// the caller returning. Failures are logged and dropped.
func (ps *plantService) bumpViewCount(key string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), viewCountTimeout)
		defer cancel()
		if err := ps.plantRepo.IncrementView(ctx, key); err != nil {
			ps.log.Warn("View count increment failed", "key", key, "error", err)
		}
	}()
}

func (ps *plantService) Get(ctx context.Context, rawName string) (*types.Plant, error) {
	return ps.plantRepo.FindByKey(ctx, nil, rawName)
}

func (ps *plantService) List(ctx context.Context, opts ListOptions) (*PlantPage, error) {
	sort := opts.Sort
	if sort == "" {
		sort = repos.SortViewsDesc
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	plants, total, err := ps.plantRepo.List(ctx, nil, repos.ListFilter{
		Search: opts.Search,
		Family: opts.Family,
		Sort:   sort,
		Offset: opts.Offset,
		Limit:  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list plants: %w", err)
	}

	return &PlantPage{
		Plants:  plants,
		Total:   total,
		Offset:  opts.Offset,
		Limit:   limit,
		HasMore: int64(opts.Offset+len(plants)) < total,
	}, nil
}

func (ps *plantService) Upsert(ctx context.Context, plant *types.Plant) (*types.Plant, error) {
	if plant == nil {
		return nil, fmt.Errorf("%w: nil plant", apperrors.ErrInvalidArgument)
	}
	return ps.plantRepo.Upsert(ctx, nil, plant)
}
