package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/verdia/herbarium-backend/internal/clients/gemini"
	apperrors "github.com/verdia/herbarium-backend/internal/pkg/errors"
	"github.com/verdia/herbarium-backend/internal/pkg/logger"
	"github.com/verdia/herbarium-backend/internal/pkg/retry"
	"github.com/verdia/herbarium-backend/internal/types"
	"gorm.io/datatypes"
)

const plantSystemPrompt = `You are an expert botanist and herbal medicine specialist with extensive knowledge of medicinal plants, ayurvedic herbs, and garden cultivation. Provide accurate, educational information about the requested plant, clearly distinguishing traditional knowledge from scientifically proven benefits, and always include safety warnings.

Always respond with valid JSON in this exact structure:
{
  "displayName": "Common display name",
  "scientificName": "Latin binomial name",
  "commonNames": ["name1", "name2"],
  "family": "Plant family name",
  "description": "Comprehensive physical description",
  "habitat": "Native regions and growing conditions",
  "medicinalUses": [
    {
      "use": "Description of use",
      "traditionalEvidence": true,
      "scientificEvidence": "none|preliminary|moderate|strong"
    }
  ],
  "cultivationInfo": {
    "soil": "Soil requirements",
    "water": "Watering needs",
    "sunlight": "Light requirements",
    "propagation": "How to propagate",
    "tips": ["tip1", "tip2"]
  },
  "safetyWarnings": ["warning1", "warning2"],
  "partsUsed": ["leaves", "roots"],
  "explanations": {
    "brief": "2-3 sentence summary for quick understanding",
    "detailed": "Comprehensive paragraph for deeper learning"
  },
  "interestingFacts": ["fact1", "fact2"]
}`

// GeneratorService turns the generation backend's freeform output into
// typed plant records and media payloads. Every backend call runs under
// the rate-limit retry policy.
type GeneratorService interface {
	// GenerateRecord produces a full plant record for name. A backend
	// payload flagging an unknown plant surfaces as ErrNotFound;
	// undecodable output surfaces as ErrGenerationParse. The two are
	// never conflated.
	GenerateRecord(ctx context.Context, name string) (*types.Plant, error)

	// GenerateImage produces a botanical illustration, using rec for
	// context when available.
	GenerateImage(ctx context.Context, name string, rec *types.Plant) (data []byte, mimeType string, err error)

	// GenerateNarrationScript produces a short (75-150 word) garden-tour
	// narration for rec.
	GenerateNarrationScript(ctx context.Context, rec *types.Plant) (string, error)
}

type generatorService struct {
	log     *logger.Logger
	ai      gemini.Client
	retryer *retry.Retryer
}

func NewGeneratorService(log *logger.Logger, ai gemini.Client, retryer *retry.Retryer) GeneratorService {
	return &generatorService{
		log:     log.With("service", "GeneratorService"),
		ai:      ai,
		retryer: retryer,
	}
}

// generatedPlantPayload is the wire schema the prompt demands. Field names
// follow the prompt, not the storage model.
type generatedPlantPayload struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`

	DisplayName    string   `json:"displayName"`
	ScientificName string   `json:"scientificName"`
	CommonNames    []string `json:"commonNames"`
	Family         string   `json:"family"`
	Description    string   `json:"description"`
	Habitat        string   `json:"habitat"`

	MedicinalUses []struct {
		Use                 string `json:"use"`
		TraditionalEvidence bool   `json:"traditionalEvidence"`
		ScientificEvidence  string `json:"scientificEvidence"`
	} `json:"medicinalUses"`

	CultivationInfo *types.CultivationInfo `json:"cultivationInfo"`
	SafetyWarnings  []string               `json:"safetyWarnings"`
	PartsUsed       []string               `json:"partsUsed"`

	Explanations struct {
		Brief    string `json:"brief"`
		Detailed string `json:"detailed"`
	} `json:"explanations"`

	InterestingFacts []string `json:"interestingFacts"`
}

func (gs *generatorService) GenerateRecord(ctx context.Context, name string) (*types.Plant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty plant name", apperrors.ErrInvalidArgument)
	}

	prompt := fmt.Sprintf(`%s

---

Please provide comprehensive information about the plant: %q

If this is not a real plant or you cannot find reliable information about it, respond with:
{
  "error": true,
  "message": "Could not find reliable information about this plant"
}`, plantSystemPrompt, name)

	var text string
	err := gs.retryer.Do(ctx, func(ctx context.Context) error {
		var callErr error
		text, callErr = gs.ai.GenerateText(ctx, prompt)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("generate record for %q: %w", name, err)
	}

	payload, err := decodePlantPayload(text)
	if err != nil {
		gs.log.Error("Unparseable generation response", "plant", name, "error", err)
		return nil, fmt.Errorf("generate record for %q: %w", name, err)
	}
	if payload.Error {
		msg := payload.Message
		if msg == "" {
			msg = "plant not found"
		}
		return nil, fmt.Errorf("generate record for %q: %s: %w", name, msg, apperrors.ErrNotFound)
	}

	plant, err := payloadToPlant(name, payload)
	if err != nil {
		return nil, fmt.Errorf("generate record for %q: %w", name, err)
	}
	plant.GeneratedByModel = true
	plant.ModelID = gs.ai.TextModel()
	return plant, nil
}

func (gs *generatorService) GenerateImage(ctx context.Context, name string, rec *types.Plant) ([]byte, string, error) {
	name = strings.TrimSpace(name)
	scientific := ""
	description := ""
	if rec != nil {
		scientific = rec.ScientificName
		description = rec.Description
	}
	if len(description) > 200 {
		description = description[:200]
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Create a beautiful, realistic botanical illustration of the plant %q (%s).

Style: scientific botanical illustration with artistic flair
Details to include:
- Full plant showing leaves, stems, and flowers if applicable
- Natural colors and realistic textures
- Clean white or light cream background
- High detail showing leaf patterns and structure
`, name, scientific)
	if description != "" {
		fmt.Fprintf(&b, "Additional details: %s\n", description)
	}
	b.WriteString("\nThe image should be educational yet visually appealing, suitable for an herbal garden app.")

	var data []byte
	var mime string
	err := gs.retryer.Do(ctx, func(ctx context.Context) error {
		var callErr error
		data, mime, callErr = gs.ai.GenerateImage(ctx, b.String())
		return callErr
	})
	if err != nil {
		return nil, "", fmt.Errorf("generate image for %q: %w: %v", name, apperrors.ErrMediaGenerationFailed, err)
	}
	return data, mime, nil
}

func (gs *generatorService) GenerateNarrationScript(ctx context.Context, rec *types.Plant) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("%w: plant record required for narration", apperrors.ErrInvalidArgument)
	}

	brief := rec.Summary
	if brief == "" {
		brief = rec.Description
	}
	displayName := rec.DisplayName
	if displayName == "" {
		displayName = rec.Key
	}

	prompt := fmt.Sprintf(`You are creating a brief, engaging audio narration about a medicinal plant.
The narration should be 30-60 seconds when read aloud (approximately 75-150 words).
Make it conversational, informative, and suitable for a garden tour audio guide.

Plant: %s
Scientific Name: %s
Brief Description: %s

Generate only the audio script text, nothing else. Start directly with speaking about the plant.`,
		displayName, rec.ScientificName, brief)

	var script string
	err := gs.retryer.Do(ctx, func(ctx context.Context) error {
		var callErr error
		script, callErr = gs.ai.GenerateText(ctx, prompt)
		return callErr
	})
	if err != nil {
		return "", fmt.Errorf("generate narration for %q: %w", rec.Key, err)
	}

	script = strings.TrimSpace(script)
	if script == "" {
		return "", fmt.Errorf("generate narration for %q: empty script: %w", rec.Key, apperrors.ErrGenerationParse)
	}
	return script, nil
}

// decodePlantPayload extracts the first JSON object embedded in the model's
// freeform output and decodes it strictly. It fails closed: no object, or
// an object missing required fields, is ErrGenerationParse.
func decodePlantPayload(text string) (*generatedPlantPayload, error) {
	obj, ok := extractJSONObject(text)
	if !ok {
		return nil, fmt.Errorf("no JSON object in response: %w", apperrors.ErrGenerationParse)
	}

	var payload generatedPlantPayload
	if err := json.Unmarshal([]byte(obj), &payload); err != nil {
		return nil, fmt.Errorf("decode response JSON: %v: %w", err, apperrors.ErrGenerationParse)
	}

	if payload.Error {
		return &payload, nil
	}
	if strings.TrimSpace(payload.ScientificName) == "" || strings.TrimSpace(payload.Description) == "" {
		return nil, fmt.Errorf("response missing required fields: %w", apperrors.ErrGenerationParse)
	}
	return &payload, nil
}

// extractJSONObject scans text for the first balanced top-level JSON object
// and returns it. Brace counting is string-aware so braces inside values do
// not unbalance the scan.
func extractJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

func payloadToPlant(key string, payload *generatedPlantPayload) (*types.Plant, error) {
	uses := make([]types.MedicinalUse, 0, len(payload.MedicinalUses))
	for _, u := range payload.MedicinalUses {
		evidence := types.ScientificEvidence(strings.ToLower(strings.TrimSpace(u.ScientificEvidence)))
		if !evidence.Valid() {
			evidence = types.EvidenceNone
		}
		uses = append(uses, types.MedicinalUse{
			Use:                 u.Use,
			TraditionalEvidence: u.TraditionalEvidence,
			ScientificEvidence:  evidence,
		})
	}

	displayName := strings.TrimSpace(payload.DisplayName)
	if displayName == "" {
		displayName = strings.TrimSpace(key)
	}

	plant := &types.Plant{
		Key:            key,
		DisplayName:    displayName,
		ScientificName: strings.TrimSpace(payload.ScientificName),
		Family:         strings.TrimSpace(payload.Family),
		Description:    strings.TrimSpace(payload.Description),
		Habitat:        strings.TrimSpace(payload.Habitat),
		Summary:        strings.TrimSpace(payload.Explanations.Brief),
	}

	var err error
	if plant.CommonNames, err = marshalColumn(payload.CommonNames); err != nil {
		return nil, err
	}
	if plant.MedicinalUses, err = marshalColumn(uses); err != nil {
		return nil, err
	}
	if plant.SafetyWarnings, err = marshalColumn(payload.SafetyWarnings); err != nil {
		return nil, err
	}
	if plant.InterestingFacts, err = marshalColumn(payload.InterestingFacts); err != nil {
		return nil, err
	}
	if plant.PartsUsed, err = marshalColumn(payload.PartsUsed); err != nil {
		return nil, err
	}
	if payload.CultivationInfo != nil {
		if plant.Cultivation, err = marshalColumn(payload.CultivationInfo); err != nil {
			return nil, err
		}
	}
	if plant.Media, err = marshalColumn(types.MediaLists{}); err != nil {
		return nil, err
	}
	return plant, nil
}

func marshalColumn(v any) (datatypes.JSON, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal column: %w", err)
	}
	return datatypes.JSON(raw), nil
}
