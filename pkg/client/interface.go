// Package client defines the vision language model backends used to narrate
// saliency overlays, together with the reply parsing they share.
package client

import (
	"context"

	"github.com/menta2k/saliency-explainer/pkg/types"
)

// VisionClient sends an image and a prompt to a vision language model
type VisionClient interface {
	// SimpleQuery returns the model's free-form reply.
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	// Narrate asks for a JSON reply and decodes it. Unusable replies yield a
	// fallback narration rather than an error.
	Narrate(ctx context.Context, model, prompt, imgB64 string) (*types.Narration, error)
}
