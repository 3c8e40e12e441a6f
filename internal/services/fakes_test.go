package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"gorm.io/gorm"

	"github.com/verdia/herbarium-backend/internal/normalization"
	apperrors "github.com/verdia/herbarium-backend/internal/pkg/errors"
	"github.com/verdia/herbarium-backend/internal/pkg/logger"
	"github.com/verdia/herbarium-backend/internal/repos"
	"github.com/verdia/herbarium-backend/internal/types"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

// fakePlantRepo is an in-memory PlantRepo keyed by normalized plant key.
type fakePlantRepo struct {
	mu     sync.Mutex
	plants map[string]*types.Plant

	findErr      error
	incrementErr error
	// onInsert, when set, replaces the default insert behavior.
	onInsert func(plant *types.Plant) error

	findCalls      int
	insertCalls    int
	incrementCalls int
	lastFilter     repos.ListFilter

	// incremented receives the key of every successful IncrementView so
	// tests can wait on the async bump.
	incremented chan string
}

func newFakePlantRepo() *fakePlantRepo {
	return &fakePlantRepo{
		plants:      make(map[string]*types.Plant),
		incremented: make(chan string, 16),
	}
}

func (f *fakePlantRepo) seed(plant *types.Plant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	plant.Key = normalization.Key(plant.Key)
	cp := *plant
	f.plants[plant.Key] = &cp
}

func (f *fakePlantRepo) get(key string) *types.Plant {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plants[normalization.Key(key)]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

func (f *fakePlantRepo) FindByKey(ctx context.Context, tx *gorm.DB, key string) (*types.Plant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.findCalls++
	if f.findErr != nil {
		return nil, f.findErr
	}
	p, ok := f.plants[normalization.Key(key)]
	if !ok {
		return nil, fmt.Errorf("plant %q: %w", key, apperrors.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (f *fakePlantRepo) Insert(ctx context.Context, tx *gorm.DB, plant *types.Plant) (*types.Plant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertCalls++
	plant.Key = normalization.Key(plant.Key)
	if f.onInsert != nil {
		if err := f.onInsert(plant); err != nil {
			return nil, err
		}
	}
	if _, ok := f.plants[plant.Key]; ok {
		return nil, fmt.Errorf("plant %q: %w", plant.Key, apperrors.ErrDuplicateKey)
	}
	cp := *plant
	f.plants[plant.Key] = &cp
	return plant, nil
}

func (f *fakePlantRepo) UpdateFields(ctx context.Context, tx *gorm.DB, key string, fields map[string]any) (*types.Plant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plants[normalization.Key(key)]
	if !ok {
		return nil, fmt.Errorf("plant %q: %w", key, apperrors.ErrNotFound)
	}
	if v, ok := fields["narration_text"]; ok {
		p.NarrationText = v.(string)
	}
	cp := *p
	return &cp, nil
}

func (f *fakePlantRepo) List(ctx context.Context, tx *gorm.DB, filter repos.ListFilter) ([]*types.Plant, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFilter = filter

	var matched []*types.Plant
	for _, p := range f.plants {
		if s := strings.ToLower(filter.Search); s != "" {
			hay := strings.ToLower(p.DisplayName + " " + p.ScientificName + " " + p.Description)
			if !strings.Contains(hay, s) {
				continue
			}
		}
		if filter.Family != "" && p.Family != filter.Family {
			continue
		}
		cp := *p
		matched = append(matched, &cp)
	}

	switch filter.Sort {
	case repos.SortViewsDesc:
		sort.Slice(matched, func(i, j int) bool { return matched[i].ViewCount > matched[j].ViewCount })
	case repos.SortNameAsc:
		sort.Slice(matched, func(i, j int) bool { return matched[i].DisplayName < matched[j].DisplayName })
	default:
		return nil, 0, fmt.Errorf("%w: list sort %q", apperrors.ErrInvalidArgument, filter.Sort)
	}

	total := int64(len(matched))
	if filter.Offset >= len(matched) {
		return nil, total, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (f *fakePlantRepo) IncrementView(ctx context.Context, key string) error {
	f.mu.Lock()
	f.incrementCalls++
	if f.incrementErr != nil {
		f.mu.Unlock()
		return f.incrementErr
	}
	key = normalization.Key(key)
	p, ok := f.plants[key]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("plant %q: %w", key, apperrors.ErrNotFound)
	}
	p.ViewCount++
	f.mu.Unlock()
	f.incremented <- key
	return nil
}

func (f *fakePlantRepo) AppendMedia(ctx context.Context, tx *gorm.DB, key string, kind types.MediaKind, item types.MediaItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plants[normalization.Key(key)]
	if !ok {
		return fmt.Errorf("plant %q: %w", key, apperrors.ErrNotFound)
	}
	lists, err := p.MediaLists()
	if err != nil {
		return err
	}
	lists.Append(kind, item)
	return p.SetMediaLists(lists)
}

func (f *fakePlantRepo) SetNarration(ctx context.Context, tx *gorm.DB, key string, text string) error {
	_, err := f.UpdateFields(ctx, tx, key, map[string]any{"narration_text": text})
	return err
}

func (f *fakePlantRepo) Upsert(ctx context.Context, tx *gorm.DB, plant *types.Plant) (*types.Plant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	plant.Key = normalization.Key(plant.Key)
	plant.GeneratedByModel = false
	plant.ModelID = ""
	cp := *plant
	f.plants[plant.Key] = &cp
	out := *plant
	return &out, nil
}

// fakeGenerator is a scriptable GeneratorService.
type fakeGenerator struct {
	mu sync.Mutex

	recordFn func(ctx context.Context, name string) (*types.Plant, error)
	imageFn  func(ctx context.Context, name string) ([]byte, string, error)
	scriptFn func(ctx context.Context, rec *types.Plant) (string, error)

	recordCalls int
	imageCalls  int
	scriptCalls int
}

func (f *fakeGenerator) GenerateRecord(ctx context.Context, name string) (*types.Plant, error) {
	f.mu.Lock()
	f.recordCalls++
	fn := f.recordFn
	f.mu.Unlock()
	if fn == nil {
		return nil, errors.New("recordFn not set")
	}
	return fn(ctx, name)
}

func (f *fakeGenerator) GenerateImage(ctx context.Context, name string, rec *types.Plant) ([]byte, string, error) {
	f.mu.Lock()
	f.imageCalls++
	fn := f.imageFn
	f.mu.Unlock()
	if fn == nil {
		return []byte("png-bytes"), "image/png", nil
	}
	return fn(ctx, name)
}

func (f *fakeGenerator) GenerateNarrationScript(ctx context.Context, rec *types.Plant) (string, error) {
	f.mu.Lock()
	f.scriptCalls++
	fn := f.scriptFn
	f.mu.Unlock()
	if fn == nil {
		return "A short narration about " + rec.DisplayName + ".", nil
	}
	return fn(ctx, rec)
}

func (f *fakeGenerator) calls() (records, images, scripts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recordCalls, f.imageCalls, f.scriptCalls
}

// fakeBlob is an in-memory BlobService.
type fakeBlob struct {
	mu      sync.Mutex
	objects map[string][]byte

	uploadErr   error
	uploadCalls int
}

func newFakeBlob() *fakeBlob {
	return &fakeBlob{objects: make(map[string][]byte)}
}

func (f *fakeBlob) Upload(ctx context.Context, key string, r io.Reader, mimeType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadCalls++
	if f.uploadErr != nil {
		return f.uploadErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeBlob) Download(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %q: %w", key, apperrors.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeBlob) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeBlob) PublicURL(key string) string {
	return "https://media.test/" + key
}

func (f *fakeBlob) stored() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

// fakeSynth renders a script to deterministic bytes.
type fakeSynth struct {
	mu          sync.Mutex
	renderErr   error
	renderCalls int
	lastScript  string
}

func (f *fakeSynth) RenderAudio(ctx context.Context, script string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renderCalls++
	f.lastScript = script
	if f.renderErr != nil {
		return nil, "", f.renderErr
	}
	return []byte("mp3:" + script), "audio/mpeg", nil
}

func (f *fakeSynth) Close() error { return nil }

func seedPlant(key, name string) *types.Plant {
	return &types.Plant{
		Key:            normalization.Key(key),
		DisplayName:    name,
		ScientificName: "Testus plantus",
		Family:         "Testaceae",
		Description:    "A plant used in tests.",
		Summary:        "Grows wherever tests run.",
		Media:          types.MustJSON(types.MediaLists{}),
	}
}
