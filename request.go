package opensway

import (
	"fmt"
	"strings"
)

// The generation surface is a closed registry of named operations, mirroring
// the route table of the upstream API. Each operation knows its queue
// category, its model whitelist, how to validate a raw descriptor, and how to
// price it. Admission looks operations up by name the same way a task mux
// routes by type.

// ReferenceImage is an optional styling reference for image generation.
type ReferenceImage struct {
	URI string `json:"uri"`
	Tag string `json:"tag,omitempty"`
}

// VoicePreset selects a voice for speech operations.
type VoicePreset struct {
	Type           string `json:"type,omitempty"`
	PresetID       string `json:"presetId,omitempty"`
	ReferenceAudio string `json:"referenceAudio,omitempty"`
}

// GenerationRequest is the superset of every operation's descriptor fields.
// Operations validate only the fields they care about; unknown fields for an
// operation are simply ignored, matching the permissive upstream schemas.
type GenerationRequest struct {
	Model                 string           `json:"model"`
	PromptText            string           `json:"promptText,omitempty"`
	PromptImage           string           `json:"promptImage,omitempty"`
	VideoURI              string           `json:"videoUri,omitempty"`
	AudioURI              string           `json:"audioUri,omitempty"`
	Media                 string           `json:"media,omitempty"`
	Character             string           `json:"character,omitempty"`
	Reference             string           `json:"reference,omitempty"`
	References            []string         `json:"references,omitempty"`
	ReferenceImages       []ReferenceImage `json:"referenceImages,omitempty"`
	Ratio                 string           `json:"ratio,omitempty"`
	Duration              float64          `json:"duration,omitempty"`
	Voice                 *VoicePreset     `json:"voice,omitempty"`
	TargetLang            string           `json:"targetLang,omitempty"`
	NumSpeakers           int              `json:"numSpeakers,omitempty"`
	ExpressionIntensity   int              `json:"expressionIntensity,omitempty"`
	BodyControl           bool             `json:"bodyControl,omitempty"`
	Loop                  bool             `json:"loop,omitempty"`
	RemoveBackgroundNoise bool             `json:"removeBackgroundNoise,omitempty"`
	DisableVoiceCloning   bool             `json:"disableVoiceCloning,omitempty"`
	DropBackgroundAudio   bool             `json:"dropBackgroundAudio,omitempty"`
	Seed                  int64            `json:"seed,omitempty"`
	WebhookURL            string           `json:"webhookUrl,omitempty"`
}

const maxPromptLen = 1000

var (
	imageRatios = []string{"1024:1024", "1280:720", "720:1280", "1168:880", "880:1168"}
	videoRatios = []string{"1280:720", "720:1280", "960:960", "1104:832", "832:1104"}

	dubbingLangs = []string{
		"en", "hi", "pt", "zh", "es", "fr", "de", "ja", "ar", "ru", "ko", "id",
		"it", "nl", "tr", "pl", "sv", "fil", "ms", "ro", "uk", "el", "cs", "da",
		"fi", "bg", "hr", "sk", "ta",
	}
)

// Operation describes one registered generation endpoint.
type Operation struct {
	Name     string
	Category Category
	// Models is the whitelist of accepted model names; the first entry is the
	// default when the descriptor omits the model.
	Models []string
	// Validate checks operation-specific fields, applying defaults in place.
	Validate func(r *GenerationRequest) error
	// Cost prices a validated descriptor in credits. Deterministic: same
	// descriptor, same cost.
	Cost func(r *GenerationRequest) int64
}

// Operations is the closed registry of generation endpoints, keyed by name.
var Operations = map[string]*Operation{
	"text_to_image": {
		Name:     "text_to_image",
		Category: CategoryImage,
		Models:   []string{"flux_schnell", "flux_dev", "sd35_large"},
		Validate: func(r *GenerationRequest) error {
			if err := requirePrompt(r); err != nil {
				return err
			}
			if err := defaultRatio(r, "1024:1024", imageRatios); err != nil {
				return err
			}
			if len(r.ReferenceImages) > 3 {
				return invalid("at most 3 referenceImages allowed")
			}
			for _, ref := range r.ReferenceImages {
				if ref.URI == "" {
					return invalid("referenceImages entries require uri")
				}
			}
			return nil
		},
		Cost: flatCost(2),
	},
	"image_to_video": {
		Name:     "image_to_video",
		Category: CategoryVideo,
		Models:   []string{"ltx_video", "hunyuan_video", "cogvideox"},
		Validate: func(r *GenerationRequest) error {
			if r.PromptImage == "" {
				return invalid("promptImage is required")
			}
			if len(r.PromptText) > maxPromptLen {
				return invalid("promptText exceeds %d characters", maxPromptLen)
			}
			if err := defaultRatio(r, "1280:720", videoRatios); err != nil {
				return err
			}
			return validateDuration(r, 5, 2, 10)
		},
		Cost: durationCost,
	},
	"text_to_video": {
		Name:     "text_to_video",
		Category: CategoryVideo,
		Models:   []string{"ltx_video", "hunyuan_video"},
		Validate: func(r *GenerationRequest) error {
			if err := requirePrompt(r); err != nil {
				return err
			}
			if err := defaultRatio(r, "1280:720", videoRatios); err != nil {
				return err
			}
			return validateDuration(r, 5, 2, 10)
		},
		Cost: durationCost,
	},
	"video_to_video": {
		Name:     "video_to_video",
		Category: CategoryVideo,
		Models:   []string{"animatediff"},
		Validate: func(r *GenerationRequest) error {
			if r.VideoURI == "" {
				return invalid("videoUri is required")
			}
			return requirePrompt(r)
		},
		Cost: flatCost(8),
	},
	"character_performance": {
		Name:     "character_performance",
		Category: CategoryVideo,
		Models:   []string{"live_portrait"},
		Validate: func(r *GenerationRequest) error {
			if r.Character == "" {
				return invalid("character is required")
			}
			if r.Reference == "" {
				return invalid("reference is required")
			}
			if r.ExpressionIntensity == 0 {
				r.ExpressionIntensity = 3
			}
			if r.ExpressionIntensity < 1 || r.ExpressionIntensity > 5 {
				return invalid("expressionIntensity must be between 1 and 5")
			}
			return nil
		},
		Cost: flatCost(5),
	},
	"text_to_speech": {
		Name:     "text_to_speech",
		Category: CategoryAudio,
		Models:   []string{"kokoro", "f5_tts"},
		Validate: func(r *GenerationRequest) error {
			if r.PromptText == "" {
				return invalid("promptText is required")
			}
			return nil
		},
		Cost: flatCost(1),
	},
	"speech_to_speech": {
		Name:     "speech_to_speech",
		Category: CategoryAudio,
		Models:   []string{"rvc"},
		Validate: func(r *GenerationRequest) error {
			if r.Media == "" {
				return invalid("media is required")
			}
			if r.Voice == nil {
				return invalid("voice is required")
			}
			return nil
		},
		Cost: flatCost(2),
	},
	"sound_effect": {
		Name:     "sound_effect",
		Category: CategoryAudio,
		Models:   []string{"audiocraft_audiogen"},
		Validate: func(r *GenerationRequest) error {
			if r.PromptText == "" {
				return invalid("promptText is required")
			}
			if r.Duration == 0 {
				r.Duration = 5
			}
			if r.Duration < 0.5 || r.Duration > 30 {
				return invalid("duration must be between 0.5 and 30 seconds")
			}
			return nil
		},
		Cost: flatCost(2),
	},
	"voice_isolation": {
		Name:     "voice_isolation",
		Category: CategoryAudio,
		Models:   []string{"demucs"},
		Validate: func(r *GenerationRequest) error {
			if r.AudioURI == "" {
				return invalid("audioUri is required")
			}
			return nil
		},
		Cost: flatCost(1),
	},
	"voice_dubbing": {
		Name:     "voice_dubbing",
		Category: CategoryAudio,
		Models:   []string{"dubbing_pipeline"},
		Validate: func(r *GenerationRequest) error {
			if r.AudioURI == "" {
				return invalid("audioUri is required")
			}
			if r.TargetLang == "" {
				return invalid("targetLang is required")
			}
			if !contains(dubbingLangs, r.TargetLang) {
				return invalid("unsupported targetLang %q", r.TargetLang)
			}
			if r.NumSpeakers < 0 {
				return invalid("numSpeakers must be positive")
			}
			return nil
		},
		Cost: flatCost(20),
	},
}

// CheckRequest validates a descriptor against its operation: model whitelist
// (with default), operation-specific fields, and pricing. It mutates the
// request only to apply documented defaults.
func CheckRequest(op *Operation, r *GenerationRequest) (cost int64, err error) {
	if r.Model == "" {
		r.Model = op.Models[0]
	}
	if !contains(op.Models, r.Model) {
		return 0, invalid("unknown model %q for %s", r.Model, op.Name)
	}
	if err := op.Validate(r); err != nil {
		return 0, err
	}
	return op.Cost(r), nil
}

func requirePrompt(r *GenerationRequest) error {
	if strings.TrimSpace(r.PromptText) == "" {
		return invalid("promptText is required")
	}
	if len(r.PromptText) > maxPromptLen {
		return invalid("promptText exceeds %d characters", maxPromptLen)
	}
	return nil
}

func defaultRatio(r *GenerationRequest, def string, allowed []string) error {
	if r.Ratio == "" {
		r.Ratio = def
	}
	if !contains(allowed, r.Ratio) {
		return invalid("unsupported ratio %q", r.Ratio)
	}
	return nil
}

func validateDuration(r *GenerationRequest, def, min, max float64) error {
	if r.Duration == 0 {
		r.Duration = def
	}
	if r.Duration < min || r.Duration > max {
		return invalid("duration must be between %v and %v seconds", min, max)
	}
	return nil
}

// durationCost prices timed video at one credit per second.
func durationCost(r *GenerationRequest) int64 { return int64(r.Duration) }

func flatCost(n int64) func(*GenerationRequest) int64 {
	return func(*GenerationRequest) int64 { return n }
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
