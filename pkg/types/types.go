package types

// Box represents a normalized bounding box with coordinates in [0,1] range
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Focus is one highlighted area a vision model recognised in a heatmap overlay
type Focus struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

// Narration is the vision model's reading of an explanation overlay
type Narration struct {
	Summary string   `json:"summary"`
	Focus   []Focus  `json:"focus"`
	Tags    []string `json:"tags"`
}

// Fallback reports whether the narration was synthesized because the model
// reply could not be used.
func (n *Narration) Fallback() bool {
	for _, t := range n.Tags {
		if t == "fallback" {
			return true
		}
	}
	return false
}
