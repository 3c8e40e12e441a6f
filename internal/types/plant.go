package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ScientificEvidence grades how well a medicinal use is supported by
// published research.
type ScientificEvidence string

const (
	EvidenceNone        ScientificEvidence = "none"
	EvidencePreliminary ScientificEvidence = "preliminary"
	EvidenceModerate    ScientificEvidence = "moderate"
	EvidenceStrong      ScientificEvidence = "strong"
)

func (e ScientificEvidence) Valid() bool {
	switch e {
	case EvidenceNone, EvidencePreliminary, EvidenceModerate, EvidenceStrong:
		return true
	}
	return false
}

type MedicinalUse struct {
	Use                 string             `json:"use"`
	TraditionalEvidence bool               `json:"traditional_evidence"`
	ScientificEvidence  ScientificEvidence `json:"scientific_evidence"`
}

type CultivationInfo struct {
	Soil        string   `json:"soil,omitempty"`
	Water       string   `json:"water,omitempty"`
	Sunlight    string   `json:"sunlight,omitempty"`
	Propagation string   `json:"propagation,omitempty"`
	Tips        []string `json:"tips,omitempty"`
}

// MediaKind selects one of the three per-plant media lists.
type MediaKind string

const (
	MediaKindImage MediaKind = "image"
	MediaKindVideo MediaKind = "video"
	MediaKindAudio MediaKind = "audio"
)

func (k MediaKind) Valid() bool {
	switch k {
	case MediaKindImage, MediaKindVideo, MediaKindAudio:
		return true
	}
	return false
}

// MediaItem references one stored asset. Entries are append-only: new
// generations add items, they never rewrite existing ones.
type MediaItem struct {
	FileID    string    `json:"file_id"`
	URL       string    `json:"url,omitempty"`
	Caption   string    `json:"caption,omitempty"`
	MimeType  string    `json:"mime_type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type MediaLists struct {
	Images []MediaItem `json:"images"`
	Videos []MediaItem `json:"videos"`
	Audio  []MediaItem `json:"audio"`
}

func (m *MediaLists) ListFor(kind MediaKind) []MediaItem {
	switch kind {
	case MediaKindImage:
		return m.Images
	case MediaKindVideo:
		return m.Videos
	case MediaKindAudio:
		return m.Audio
	}
	return nil
}

func (m *MediaLists) Append(kind MediaKind, item MediaItem) {
	switch kind {
	case MediaKindImage:
		m.Images = append(m.Images, item)
	case MediaKindVideo:
		m.Videos = append(m.Videos, item)
	case MediaKindAudio:
		m.Audio = append(m.Audio, item)
	}
}

// Plant is the cached unit of the resolution core. Key is the normalized
// unique identifier; list-shaped fields live in JSONB columns.
type Plant struct {
	ID  uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Key string    `gorm:"column:key;uniqueIndex;not null" json:"key"`

	DisplayName    string `gorm:"column:display_name" json:"display_name"`
	ScientificName string `gorm:"column:scientific_name" json:"scientific_name"`
	Family         string `gorm:"column:family" json:"family"`

	Description string `gorm:"column:description;type:text" json:"description"`
	Habitat     string `gorm:"column:habitat;type:text" json:"habitat"`

	// Summary is the generator's brief explanation, used to seed the
	// narration prompt.
	Summary string `gorm:"column:summary;type:text" json:"summary,omitempty"`

	CommonNames      datatypes.JSON `gorm:"column:common_names;type:jsonb" json:"common_names,omitempty"`
	MedicinalUses    datatypes.JSON `gorm:"column:medicinal_uses;type:jsonb" json:"medicinal_uses,omitempty"`
	SafetyWarnings   datatypes.JSON `gorm:"column:safety_warnings;type:jsonb" json:"safety_warnings,omitempty"`
	InterestingFacts datatypes.JSON `gorm:"column:interesting_facts;type:jsonb" json:"interesting_facts,omitempty"`
	PartsUsed        datatypes.JSON `gorm:"column:parts_used;type:jsonb" json:"parts_used,omitempty"`
	Cultivation      datatypes.JSON `gorm:"column:cultivation;type:jsonb" json:"cultivation,omitempty"`

	// NarrationText caches the short garden-tour script, populated lazily
	// by the media path.
	NarrationText string `gorm:"column:narration_text;type:text" json:"narration_text,omitempty"`

	Media datatypes.JSON `gorm:"column:media;type:jsonb;not null;default:'{\"images\":[],\"videos\":[],\"audio\":[]}'" json:"media"`

	GeneratedByModel bool   `gorm:"column:generated_by_model;not null;default:false" json:"generated_by_model"`
	ModelID          string `gorm:"column:model_id" json:"model_id,omitempty"`

	ViewCount int64 `gorm:"column:view_count;not null;default:0" json:"view_count"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Plant) TableName() string { return "plant" }

// MediaLists decodes the media JSONB column. Decode is fail-closed: a
// malformed column is an error, never silently an empty set.
func (p *Plant) MediaLists() (MediaLists, error) {
	var out MediaLists
	if len(p.Media) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(p.Media, &out); err != nil {
		return MediaLists{}, fmt.Errorf("decode media column for %q: %w", p.Key, err)
	}
	return out, nil
}

func (p *Plant) SetMediaLists(m MediaLists) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode media column for %q: %w", p.Key, err)
	}
	p.Media = datatypes.JSON(raw)
	return nil
}

func (p *Plant) MedicinalUseList() ([]MedicinalUse, error) {
	var out []MedicinalUse
	if len(p.MedicinalUses) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(p.MedicinalUses, &out); err != nil {
		return nil, fmt.Errorf("decode medicinal_uses column for %q: %w", p.Key, err)
	}
	return out, nil
}

func (p *Plant) CultivationInfo() (*CultivationInfo, error) {
	if len(p.Cultivation) == 0 {
		return nil, nil
	}
	var out CultivationInfo
	if err := json.Unmarshal(p.Cultivation, &out); err != nil {
		return nil, fmt.Errorf("decode cultivation column for %q: %w", p.Key, err)
	}
	return &out, nil
}

func (p *Plant) StringList(col datatypes.JSON) ([]string, error) {
	var out []string
	if len(col) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(col, &out); err != nil {
		return nil, fmt.Errorf("decode string list column for %q: %w", p.Key, err)
	}
	return out, nil
}

func MustJSON(v any) datatypes.JSON {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return datatypes.JSON(raw)
}
