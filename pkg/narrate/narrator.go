// Package narrate asks a vision language model to describe what a saliency
// overlay highlights. The narration is an auditing aid for humans reading
// explanations; it never feeds back into the explanation itself.
package narrate

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/menta2k/saliency-explainer/pkg/client"
	"github.com/menta2k/saliency-explainer/pkg/processing"
	"github.com/menta2k/saliency-explainer/pkg/types"
)

// SimpleTestPrompt checks that the model can see images at all
const SimpleTestPrompt = `What do you see in this image? Describe it briefly.`

// DefaultPrompt asks for the highlighted areas of a heatmap overlay. %s is
// replaced with the explained class label.
const DefaultPrompt = `You are auditing an image classifier.

The picture shows a photo with a saliency heatmap blended on top. Warm
(bright, yellow/white) areas influenced the prediction "%s" the most; dark
areas influenced it the least.

Return JSON only:
{
  "summary": "one neutral sentence (<= 25 words) naming what the warm areas cover",
  "focus": [
    {"label": "string", "confidence": 0.0, "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}}
  ],
  "tags": ["tag1", "tag2", "tag3"]
}

HARD RULES
- Box coordinates are normalized to [0,1] (NOT pixels), x/y is the top-left corner.
- List at most 3 focus areas, the warmest first.
- Say so in the summary if the warm areas cover background rather than the object.
- Tags: lowercase, concise, no punctuation or duplicates.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

const (
	maxFocus = 3
	maxTags  = 5
)

// Narrator describes overlays using a vision client
type Narrator struct {
	client  client.VisionClient
	model   string
	encoder *processing.Processor
	config  Config
}

// Config holds configuration for narration
type Config struct {
	// Prompt overrides DefaultPrompt. It must contain one %s for the label.
	Prompt string
	// MaxDimension bounds the long side of the image sent to the model.
	MaxDimension int
	Quality      int
}

// DefaultConfig returns the default narration configuration
func DefaultConfig() Config {
	return Config{
		Prompt:       DefaultPrompt,
		MaxDimension: 768,
		Quality:      90,
	}
}

// New creates a narrator for the given model
func New(c client.VisionClient, model string) *Narrator {
	return NewWithConfig(c, model, DefaultConfig())
}

// NewWithConfig creates a narrator with custom configuration
func NewWithConfig(c client.VisionClient, model string, config Config) *Narrator {
	if config.Prompt == "" {
		config.Prompt = DefaultPrompt
	}
	if config.Quality <= 0 {
		config.Quality = 90
	}
	return &Narrator{client: c, model: model, encoder: processing.NewProcessor(), config: config}
}

// Describe sends the overlay to the model and returns its cleaned reading
func (n *Narrator) Describe(ctx context.Context, overlay image.Image, label string) (*types.Narration, error) {
	imgB64, err := n.encoder.EncodeBase64(overlay, "jpg", n.config.MaxDimension, n.config.Quality)
	if err != nil {
		return nil, fmt.Errorf("failed to encode overlay: %w", err)
	}
	if label == "" {
		label = "the top class"
	}

	result, err := n.client.Narrate(ctx, n.model, fmt.Sprintf(n.config.Prompt, label), imgB64)
	if err != nil {
		return nil, err
	}

	result.Summary = strings.TrimSpace(result.Summary)
	result.Focus = normalizeFocus(result.Focus)
	result.Tags = normalizeTags(result.Tags)
	return result, nil
}

// TestVision checks whether the model can see an image
func (n *Narrator) TestVision(ctx context.Context, img image.Image) (string, error) {
	imgB64, err := n.encoder.EncodeBase64(img, "jpg", n.config.MaxDimension, n.config.Quality)
	if err != nil {
		return "", err
	}
	return n.client.SimpleQuery(ctx, n.model, SimpleTestPrompt, imgB64)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// normalizeBox keeps the box inside the unit square
func normalizeBox(b types.Box) types.Box {
	x, y := clamp(b.X, 0, 1), clamp(b.Y, 0, 1)
	return types.Box{
		X: x,
		Y: y,
		W: clamp(b.W, 0, 1-x),
		H: clamp(b.H, 0, 1-y),
	}
}

// normalizeFocus drops unlabeled entries, clamps boxes and confidences and
// keeps the first maxFocus areas
func normalizeFocus(focus []types.Focus) []types.Focus {
	out := make([]types.Focus, 0, maxFocus)
	for _, f := range focus {
		f.Label = strings.ToLower(strings.TrimSpace(f.Label))
		if f.Label == "" {
			continue
		}
		f.Confidence = clamp(f.Confidence, 0, 1)
		f.Box = normalizeBox(f.Box)
		out = append(out, f)
		if len(out) == maxFocus {
			break
		}
	}
	return out
}

// normalizeTags cleans tags and limits them to maxTags entries
func normalizeTags(tags []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, maxTags)
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == maxTags {
			break
		}
	}
	return out
}
