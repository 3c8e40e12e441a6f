package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/verdia/herbarium-backend/internal/pkg/errors"
	"github.com/verdia/herbarium-backend/internal/pkg/retry"
	"github.com/verdia/herbarium-backend/internal/types"
)

// fakeGemini is a scriptable text/image generation backend.
type fakeGemini struct {
	mu sync.Mutex

	textFn  func(ctx context.Context, prompt string) (string, error)
	imageFn func(ctx context.Context, prompt string) ([]byte, string, error)

	textCalls  int
	imageCalls int
	lastPrompt string
}

func (f *fakeGemini) GenerateText(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.textCalls++
	f.lastPrompt = prompt
	fn := f.textFn
	f.mu.Unlock()
	if fn == nil {
		return "", errors.New("textFn not set")
	}
	return fn(ctx, prompt)
}

func (f *fakeGemini) GenerateImage(ctx context.Context, prompt string) ([]byte, string, error) {
	f.mu.Lock()
	f.imageCalls++
	f.lastPrompt = prompt
	fn := f.imageFn
	f.mu.Unlock()
	if fn == nil {
		return []byte("png-bytes"), "image/png", nil
	}
	return fn(ctx, prompt)
}

func (f *fakeGemini) TextModel() string { return "fake-text-model" }

func newGeneratorFixture(t *testing.T, ai *fakeGemini) GeneratorService {
	t.Helper()
	log := testLogger(t)
	return NewGeneratorService(log, ai, retry.New(log, 5, time.Millisecond))
}

const validPlantJSON = `{
	"displayName": "Neem",
	"scientificName": "Azadirachta indica",
	"commonNames": ["Indian lilac", "Margosa"],
	"family": "Meliaceae",
	"description": "A fast-growing tree with pinnate leaves.",
	"habitat": "Tropical and semi-tropical regions.",
	"medicinalUses": [
		{"use": "Skin conditions", "traditionalEvidence": true, "scientificEvidence": "moderate"},
		{"use": "Dental care", "traditionalEvidence": true, "scientificEvidence": "definitely-not-a-level"}
	],
	"cultivationInfo": {"soil": "Well-drained", "water": "Low", "sunlight": "Full sun", "propagation": "Seed", "tips": ["Avoid frost"]},
	"safetyWarnings": ["Not for infants"],
	"partsUsed": ["leaves", "bark"],
	"explanations": {"brief": "A hardy medicinal tree.", "detailed": "Neem has a long history in traditional medicine."},
	"interestingFacts": ["Known as the village pharmacy"]
}`

func TestGeneratorServiceGenerateRecordMapsFields(t *testing.T) {
	ai := &fakeGemini{
		textFn: func(ctx context.Context, prompt string) (string, error) {
			return "Here is the requested information:\n```json\n" + validPlantJSON + "\n```\nHope this helps!", nil
		},
	}
	svc := newGeneratorFixture(t, ai)

	plant, err := svc.GenerateRecord(context.Background(), "neem")
	if err != nil {
		t.Fatalf("GenerateRecord: %v", err)
	}
	if plant.Key != "neem" {
		t.Fatalf("key: want=%q got=%q", "neem", plant.Key)
	}
	if plant.DisplayName != "Neem" || plant.ScientificName != "Azadirachta indica" {
		t.Fatalf("names: got %q / %q", plant.DisplayName, plant.ScientificName)
	}
	if plant.Summary != "A hardy medicinal tree." {
		t.Fatalf("summary: got %q", plant.Summary)
	}
	if !plant.GeneratedByModel || plant.ModelID != "fake-text-model" {
		t.Fatalf("provenance: generated=%v model=%q", plant.GeneratedByModel, plant.ModelID)
	}

	uses, err := plant.MedicinalUseList()
	if err != nil {
		t.Fatalf("MedicinalUseList: %v", err)
	}
	if len(uses) != 2 {
		t.Fatalf("uses: want=2 got=%d", len(uses))
	}
	if uses[0].ScientificEvidence != types.EvidenceModerate {
		t.Fatalf("evidence: want=%q got=%q", types.EvidenceModerate, uses[0].ScientificEvidence)
	}
	// Unknown evidence levels collapse to none rather than failing.
	if uses[1].ScientificEvidence != types.EvidenceNone {
		t.Fatalf("unknown evidence: want=%q got=%q", types.EvidenceNone, uses[1].ScientificEvidence)
	}

	cult, err := plant.CultivationInfo()
	if err != nil {
		t.Fatalf("CultivationInfo: %v", err)
	}
	if cult == nil || cult.Soil != "Well-drained" {
		t.Fatalf("cultivation: %+v", cult)
	}

	lists, err := plant.MediaLists()
	if err != nil {
		t.Fatalf("MediaLists: %v", err)
	}
	if len(lists.Images)+len(lists.Videos)+len(lists.Audio) != 0 {
		t.Fatalf("new record must start with empty media lists")
	}
}

func TestGeneratorServiceGenerateRecordUnknownPlant(t *testing.T) {
	ai := &fakeGemini{
		textFn: func(ctx context.Context, prompt string) (string, error) {
			return `{"error": true, "message": "Could not find reliable information about this plant"}`, nil
		},
	}
	svc := newGeneratorFixture(t, ai)

	_, err := svc.GenerateRecord(context.Background(), "definitely made up")
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestGeneratorServiceGenerateRecordUnparseableOutput(t *testing.T) {
	cases := []struct {
		name string
		text string
	}{
		{"no json at all", "I am sorry, I cannot answer that."},
		{"truncated object", `{"displayName": "Neem", "scientificName":`},
		{"missing required fields", `{"displayName": "Neem"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ai := &fakeGemini{
				textFn: func(ctx context.Context, prompt string) (string, error) {
					return tc.text, nil
				},
			}
			svc := newGeneratorFixture(t, ai)

			_, err := svc.GenerateRecord(context.Background(), "neem")
			if !errors.Is(err, apperrors.ErrGenerationParse) {
				t.Fatalf("want ErrGenerationParse, got %v", err)
			}
			if errors.Is(err, apperrors.ErrNotFound) {
				t.Fatalf("parse failure must not look like an unknown plant: %v", err)
			}
		})
	}
}

func TestGeneratorServiceRetriesRateLimits(t *testing.T) {
	var calls int
	ai := &fakeGemini{
		textFn: func(ctx context.Context, prompt string) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("rpc error: code = 429, RESOURCE_EXHAUSTED")
			}
			return validPlantJSON, nil
		},
	}
	svc := newGeneratorFixture(t, ai)

	if _, err := svc.GenerateRecord(context.Background(), "neem"); err != nil {
		t.Fatalf("GenerateRecord after retries: %v", err)
	}
	if calls != 3 {
		t.Fatalf("backend calls: want=3 got=%d", calls)
	}
}

func TestGeneratorServiceDoesNotRetryOtherFailures(t *testing.T) {
	ai := &fakeGemini{
		textFn: func(ctx context.Context, prompt string) (string, error) {
			return "", fmt.Errorf("backend exploded")
		},
	}
	svc := newGeneratorFixture(t, ai)

	if _, err := svc.GenerateRecord(context.Background(), "neem"); err == nil {
		t.Fatalf("expected failure")
	}
	if ai.textCalls != 1 {
		t.Fatalf("backend calls: want=1 got=%d", ai.textCalls)
	}
}

func TestGeneratorServiceGenerateRecordRejectsEmptyName(t *testing.T) {
	svc := newGeneratorFixture(t, &fakeGemini{})
	if _, err := svc.GenerateRecord(context.Background(), "   "); !errors.Is(err, apperrors.ErrInvalidArgument) {
		t.Fatalf("want ErrInvalidArgument, got %v", err)
	}
}

func TestGeneratorServiceGenerateImageWrapsFailure(t *testing.T) {
	ai := &fakeGemini{
		imageFn: func(ctx context.Context, prompt string) ([]byte, string, error) {
			return nil, "", errors.New("no image candidates")
		},
	}
	svc := newGeneratorFixture(t, ai)

	_, _, err := svc.GenerateImage(context.Background(), "neem", nil)
	if !errors.Is(err, apperrors.ErrMediaGenerationFailed) {
		t.Fatalf("want ErrMediaGenerationFailed, got %v", err)
	}
}

func TestGeneratorServiceGenerateImageUsesRecordContext(t *testing.T) {
	ai := &fakeGemini{}
	svc := newGeneratorFixture(t, ai)

	rec := seedPlant("neem", "Neem")
	data, mime, err := svc.GenerateImage(context.Background(), "neem", rec)
	if err != nil {
		t.Fatalf("GenerateImage: %v", err)
	}
	if len(data) == 0 || mime != "image/png" {
		t.Fatalf("image payload: len=%d mime=%q", len(data), mime)
	}
	if got := ai.lastPrompt; got == "" || !containsAll(got, rec.ScientificName, rec.Description) {
		t.Fatalf("prompt missing record context: %q", got)
	}
}

func TestGeneratorServiceNarrationScript(t *testing.T) {
	ai := &fakeGemini{
		textFn: func(ctx context.Context, prompt string) (string, error) {
			return "  Welcome to the neem tree.  \n", nil
		},
	}
	svc := newGeneratorFixture(t, ai)

	script, err := svc.GenerateNarrationScript(context.Background(), seedPlant("neem", "Neem"))
	if err != nil {
		t.Fatalf("GenerateNarrationScript: %v", err)
	}
	if script != "Welcome to the neem tree." {
		t.Fatalf("script not trimmed: %q", script)
	}
}

func TestGeneratorServiceNarrationScriptEmptyOutput(t *testing.T) {
	ai := &fakeGemini{
		textFn: func(ctx context.Context, prompt string) (string, error) {
			return "   ", nil
		},
	}
	svc := newGeneratorFixture(t, ai)

	_, err := svc.GenerateNarrationScript(context.Background(), seedPlant("neem", "Neem"))
	if !errors.Is(err, apperrors.ErrGenerationParse) {
		t.Fatalf("want ErrGenerationParse, got %v", err)
	}
}

func TestExtractJSONObject(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"bare object", `{"a":1}`, `{"a":1}`, true},
		{"prose wrapped", "Sure!\n{\"a\":1}\nDone.", `{"a":1}`, true},
		{"code fence", "```json\n{\"a\":1}\n```", `{"a":1}`, true},
		{"nested braces", `{"a":{"b":2}}`, `{"a":{"b":2}}`, true},
		{"braces inside strings", `{"a":"{not a close}"}`, `{"a":"{not a close}"}`, true},
		{"escaped quote in string", `{"a":"say \"}\" loudly"}`, `{"a":"say \"}\" loudly"}`, true},
		{"unterminated", `{"a":1`, "", false},
		{"no object", "just words", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := extractJSONObject(tc.in)
			if ok != tc.ok {
				t.Fatalf("ok: want=%v got=%v", tc.ok, ok)
			}
			if got != tc.want {
				t.Fatalf("object: want=%q got=%q", tc.want, got)
			}
		})
	}
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if p != "" && !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
