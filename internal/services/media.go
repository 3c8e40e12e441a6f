package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/verdia/herbarium-backend/internal/clients/gcp"
	"github.com/verdia/herbarium-backend/internal/normalization"
	"github.com/verdia/herbarium-backend/internal/pkg/logger"
	"github.com/verdia/herbarium-backend/internal/platform/localmedia"
	"github.com/verdia/herbarium-backend/internal/repos"
	"github.com/verdia/herbarium-backend/internal/types"

	apperrors "github.com/verdia/herbarium-backend/internal/pkg/errors"
)

// MediaResult is what a media call hands back. Exactly one of Item or
// RawBytes is populated: Item when the asset is (or already was) persisted,
// RawBytes when the blob store is down or persistence was skipped.
type MediaResult struct {
	Kind      types.MediaKind  `json:"kind"`
	Item      *types.MediaItem `json:"item,omitempty"`
	RawBytes  []byte           `json:"-"`
	MimeType  string           `json:"mimeType,omitempty"`
	Cached    bool             `json:"cached"`
	Persisted bool             `json:"persisted"`
}

// NarrationResult is a narration script plus whether it came off the record.
type NarrationResult struct {
	Script string `json:"script"`
	Cached bool   `json:"cached"`
}

// MediaBundle is the combined output of GenerateAll.
type MediaBundle struct {
	Source string       `json:"source"`
	Record *types.Plant `json:"record"`
	Image  *MediaResult `json:"image,omitempty"`
	Audio  *MediaResult `json:"audio,omitempty"`
}

// MediaOptions tune one media call.
type MediaOptions struct {
	// Caption is stored on the persisted media entry.
	Caption string
	// CustomScript replaces the generated narration for audio.
	CustomScript string
	// SkipPersist generates without touching the blob store or the
	// record; the result carries raw bytes only. Meant for image
	// previews.
	SkipPersist bool
}

type MediaService interface {
	// GetOrGenerateMedia returns existing media of the given kind for
	// rawName, or generates, stores and appends a new entry. Concurrent
	// calls for the same plant and kind share a single generation; every
	// caller gets the same result.
	GetOrGenerateMedia(ctx context.Context, rawName string, kind types.MediaKind, opts MediaOptions) (*MediaResult, error)

	// GetOrGenerateNarration returns the record's cached narration
	// script, generating and persisting one if absent.
	GetOrGenerateNarration(ctx context.Context, rawName string) (*NarrationResult, error)

	// GenerateAll resolves the plant and produces its image and audio
	// concurrently.
	GenerateAll(ctx context.Context, rawName string) (*MediaBundle, error)
}

type mediaService struct {
	log       *logger.Logger
	plantRepo repos.PlantRepo
	plants    PlantService
	generator GeneratorService
	blob      gcp.BlobService
	synth     gcp.SpeechSynthesizer
	local     *localmedia.Cache

	flight singleflight.Group
}

// NewMediaService wires the media pipeline. blob may be nil when the blob
// store is unconfigured; media then comes back as raw bytes and is never
// persisted. synth may be nil, which disables the audio kind.
func NewMediaService(
	log *logger.Logger,
	plantRepo repos.PlantRepo,
	plants PlantService,
	generator GeneratorService,
	blob gcp.BlobService,
	synth gcp.SpeechSynthesizer,
	local *localmedia.Cache,
) MediaService {
	return &mediaService{
		log:       log.With("service", "MediaService"),
		plantRepo: plantRepo,
		plants:    plants,
		generator: generator,
		blob:      blob,
		synth:     synth,
		local:     local,
	}
}

func (ms *mediaService) GetOrGenerateMedia(ctx context.Context, rawName string, kind types.MediaKind, opts MediaOptions) (*MediaResult, error) {
	key := normalization.Key(rawName)
	if key == "" {
		return nil, fmt.Errorf("%w: empty plant name", apperrors.ErrInvalidArgument)
	}
	if kind != types.MediaKindImage && kind != types.MediaKindAudio {
		return nil, fmt.Errorf("%w: media kind %q", apperrors.ErrInvalidArgument, kind)
	}

	if opts.SkipPersist {
		// Previews bypass both the cache and the coalescing slot; the
		// caller asked for a fresh, unsaved generation.
		return ms.generate(ctx, key, kind, opts)
	}

	v, err, _ := ms.flight.Do(flightKey(key, kind), func() (any, error) {
		return ms.lookupOrGenerate(ctx, key, kind, opts)
	})
	if err != nil {
		return nil, err
	}
	return v.(*MediaResult), nil
}

func flightKey(key string, kind types.MediaKind) string {
	return key + "|" + string(kind)
}

// lookupOrGenerate runs inside the coalescing slot: at most one instance per
// plant and kind at any moment.
func (ms *mediaService) lookupOrGenerate(ctx context.Context, key string, kind types.MediaKind, opts MediaOptions) (*MediaResult, error) {
	rec, err := ms.plantRepo.FindByKey(ctx, nil, key)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("media lookup for %q: %w", key, err)
		}
		if kind == types.MediaKindAudio {
			// Audio narrates the record; there is nothing to narrate
			// until the plant is resolved.
			return nil, fmt.Errorf("audio for unresolved plant %q: %w", key, apperrors.ErrNotFound)
		}
		rec = nil
	}

	if rec != nil {
		lists, err := rec.MediaLists()
		if err != nil {
			return nil, fmt.Errorf("media lists for %q: %w", key, err)
		}
		if existing := lists.ListFor(kind); len(existing) > 0 {
			item := existing[len(existing)-1]
			if kind == types.MediaKindAudio {
				ms.mirrorAudio(ctx, item)
			}
			return &MediaResult{
				Kind:      kind,
				Item:      &item,
				MimeType:  item.MimeType,
				Cached:    true,
				Persisted: true,
			}, nil
		}
	}

	res, err := ms.generate(ctx, key, kind, opts)
	if err != nil {
		return nil, err
	}
	if res.Persisted {
		return res, nil
	}
	if ms.blob == nil {
		ms.log.Warn("Blob store unconfigured, returning raw media", "key", key, "kind", kind)
	}
	return res, nil
}

// generate produces the asset and, unless persistence is off or the blob
// store is unusable, uploads it and appends the record entry.
func (ms *mediaService) generate(ctx context.Context, key string, kind types.MediaKind, opts MediaOptions) (*MediaResult, error) {
	var (
		data   []byte
		mime   string
		script string
		err    error
	)

	switch kind {
	case types.MediaKindImage:
		rec, findErr := ms.plantRepo.FindByKey(ctx, nil, key)
		if findErr != nil {
			rec = nil
		}
		data, mime, err = ms.generator.GenerateImage(ctx, key, rec)
		if err != nil {
			return nil, err
		}
	case types.MediaKindAudio:
		if ms.synth == nil {
			return nil, fmt.Errorf("%w: no speech synthesizer configured", apperrors.ErrMediaGenerationFailed)
		}
		rec, findErr := ms.plantRepo.FindByKey(ctx, nil, key)
		if findErr != nil {
			return nil, fmt.Errorf("audio for %q: %w", key, findErr)
		}
		script, err = ms.narrationScript(ctx, rec, opts.CustomScript)
		if err != nil {
			return nil, err
		}
		data, mime, err = ms.synth.RenderAudio(ctx, script)
		if err != nil {
			return nil, fmt.Errorf("render audio for %q: %w: %v", key, apperrors.ErrMediaGenerationFailed, err)
		}
	default:
		return nil, fmt.Errorf("%w: media kind %q", apperrors.ErrInvalidArgument, kind)
	}

	if opts.SkipPersist {
		return &MediaResult{Kind: kind, RawBytes: data, MimeType: mime}, nil
	}

	if ms.blob == nil {
		return &MediaResult{Kind: kind, RawBytes: data, MimeType: mime}, nil
	}

	blobKey := blobKeyFor(key, kind, mime)
	if err := ms.blob.Upload(ctx, blobKey, bytes.NewReader(data), mime); err != nil {
		if errors.Is(err, apperrors.ErrBlobUnavailable) || errors.Is(err, apperrors.ErrBlobUnconfigured) {
			ms.log.Warn("Blob upload failed, returning raw media", "key", key, "kind", kind, "error", err)
			return &MediaResult{Kind: kind, RawBytes: data, MimeType: mime}, nil
		}
		return nil, fmt.Errorf("upload %s for %q: %w", kind, key, err)
	}

	item := types.MediaItem{
		FileID:    blobKey,
		URL:       ms.blob.PublicURL(blobKey),
		Caption:   opts.Caption,
		MimeType:  mime,
		CreatedAt: time.Now().UTC(),
	}
	if err := ms.plantRepo.AppendMedia(ctx, nil, key, kind, item); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			// Image generation is allowed without a record; the asset
			// is uploaded but there is nothing to append it to.
			ms.log.Warn("No record to attach media to", "key", key, "kind", kind)
			return &MediaResult{Kind: kind, Item: &item, MimeType: mime}, nil
		}
		return nil, fmt.Errorf("record %s for %q: %w", kind, key, err)
	}
	if kind == types.MediaKindAudio && script != "" {
		if err := ms.plantRepo.SetNarration(ctx, nil, key, script); err != nil {
			ms.log.Warn("Narration text not cached", "key", key, "error", err)
		}
	}

	return &MediaResult{
		Kind:      kind,
		Item:      &item,
		MimeType:  mime,
		Persisted: true,
	}, nil
}

// narrationScript prefers the caller's script, then the record's cached
// text, then a fresh generation.
func (ms *mediaService) narrationScript(ctx context.Context, rec *types.Plant, custom string) (string, error) {
	if s := strings.TrimSpace(custom); s != "" {
		return s, nil
	}
	if s := strings.TrimSpace(rec.NarrationText); s != "" {
		return s, nil
	}
	script, err := ms.generator.GenerateNarrationScript(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("narration for %q: %w: %v", rec.Key, apperrors.ErrMediaGenerationFailed, err)
	}
	return script, nil
}

func (ms *mediaService) GetOrGenerateNarration(ctx context.Context, rawName string) (*NarrationResult, error) {
	key := normalization.Key(rawName)
	if key == "" {
		return nil, fmt.Errorf("%w: empty plant name", apperrors.ErrInvalidArgument)
	}

	v, err, _ := ms.flight.Do(flightKey(key, "narration"), func() (any, error) {
		rec, err := ms.plantRepo.FindByKey(ctx, nil, key)
		if err != nil {
			return nil, fmt.Errorf("narration lookup for %q: %w", key, err)
		}
		if s := strings.TrimSpace(rec.NarrationText); s != "" {
			return &NarrationResult{Script: s, Cached: true}, nil
		}
		script, err := ms.generator.GenerateNarrationScript(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("narration for %q: %w: %v", key, apperrors.ErrMediaGenerationFailed, err)
		}
		if err := ms.plantRepo.SetNarration(ctx, nil, key, script); err != nil {
			ms.log.Warn("Narration text not cached", "key", key, "error", err)
		}
		return &NarrationResult{Script: script}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*NarrationResult), nil
}

func (ms *mediaService) GenerateAll(ctx context.Context, rawName string) (*MediaBundle, error) {
	resolution, err := ms.plants.Resolve(ctx, rawName)
	if err != nil {
		return nil, err
	}
	key := resolution.Record.Key

	bundle := &MediaBundle{Source: resolution.Source, Record: resolution.Record}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res, err := ms.GetOrGenerateMedia(gctx, key, types.MediaKindImage, MediaOptions{})
		if err != nil {
			return err
		}
		bundle.Image = res
		return nil
	})
	g.Go(func() error {
		res, err := ms.GetOrGenerateMedia(gctx, key, types.MediaKindAudio, MediaOptions{})
		if err != nil {
			return err
		}
		bundle.Audio = res
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if fresh, err := ms.plantRepo.FindByKey(ctx, nil, key); err == nil {
		bundle.Record = fresh
	}
	return bundle, nil
}

// mirrorAudio copies a persisted audio asset into the local cache so later
// playback does not round-trip the blob store. Best effort only.
func (ms *mediaService) mirrorAudio(ctx context.Context, item types.MediaItem) {
	if !ms.local.Enabled() || ms.blob == nil || item.FileID == "" {
		return
	}
	filename := path.Base(item.FileID)
	if _, err := ms.local.Ensure(ctx, filename, func(ctx context.Context) (io.ReadCloser, error) {
		return ms.blob.Download(ctx, item.FileID)
	}); err != nil {
		ms.log.Debug("Local audio mirror skipped", "file", item.FileID, "error", err)
	}
}

func blobKeyFor(key string, kind types.MediaKind, mime string) string {
	safe := strings.ReplaceAll(key, " ", "-")
	return fmt.Sprintf("plants/%s/%s/%s%s", safe, kind, uuid.NewString(), extensionForMime(mime))
}

func extensionForMime(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav":
		return ".wav"
	case "audio/ogg":
		return ".ogg"
	default:
		return ".bin"
	}
}
