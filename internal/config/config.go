package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/menta2k/saliency-explainer/pkg/onnx"
	"github.com/menta2k/saliency-explainer/pkg/render"
	"github.com/menta2k/saliency-explainer/pkg/tensor"
)

// Config holds the application configuration
type Config struct {
	Model     ModelConfig     `json:"model"`
	Grid      GridConfig      `json:"grid"`
	Occlusion OcclusionConfig `json:"occlusion"`
	GradCAM   GradCAMConfig   `json:"gradcam"`
	Render    RenderConfig    `json:"render"`
	Output    OutputConfig    `json:"output"`
	Narrator  NarratorConfig  `json:"narrator"`
}

// ModelConfig selects and binds the classifier to explain
type ModelConfig struct {
	// Backend is "convnet" (JSON network file) or "onnx".
	Backend string `json:"backend"`
	Path    string `json:"path"`
	// Labels names the classes, indexed by class id.
	Labels []string `json:"labels,omitempty"`

	// The remaining fields only apply to the onnx backend.
	InputShape  tensor.Shape                 `json:"input_shape"`
	Layout      onnx.Layout                  `json:"layout,omitempty"`
	LibraryPath string                       `json:"library_path,omitempty"`
	InputName   string                       `json:"input_name,omitempty"`
	OutputName  string                       `json:"output_name,omitempty"`
	Classes     int                          `json:"classes,omitempty"`
	Layers      map[string]onnx.LayerBinding `json:"layers,omitempty"`
	Threads     int                          `json:"threads,omitempty"`
}

// GridConfig holds configuration for rectangular occlusion regions
type GridConfig struct {
	Stride float64 `json:"stride"`
	Size   int     `json:"size"`
}

// OcclusionConfig holds configuration for occlusion analysis
type OcclusionConfig struct {
	ExcludeBackground bool    `json:"exclude_background"`
	FillValue         float64 `json:"fill_value"`
	Workers           int     `json:"workers"`
}

// GradCAMConfig holds configuration for Grad-CAM
type GradCAMConfig struct {
	Layer string `json:"layer"`
}

// RenderConfig holds configuration for heatmap rendering
type RenderConfig struct {
	ColorMap string  `json:"color_map"`
	Opacity  float64 `json:"opacity"`
	Boxes    bool    `json:"boxes"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	DefaultFormat string `json:"default_format"`
	Quality       int    `json:"quality"`
	OutputDir     string `json:"output_dir"`
	Prefix        string `json:"prefix"`
	Suffix        string `json:"suffix"`
	Figure        bool   `json:"figure"`
}

// NarratorConfig holds configuration for vision model narration
type NarratorConfig struct {
	Enabled bool `json:"enabled"`
	// Backend is "ollama" or "llamacpp".
	Backend string `json:"backend"`
	URL     string `json:"url"`
	Model   string `json:"model"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Backend: "convnet",
			Layout:  onnx.NHWC,
		},
		Grid: GridConfig{
			Stride: 1,
			Size:   32,
		},
		Occlusion: OcclusionConfig{
			Workers: 1,
		},
		Render: RenderConfig{
			ColorMap: "blackbody",
			Opacity:  0.5,
		},
		Output: OutputConfig{
			DefaultFormat: "png",
			Quality:       90,
			OutputDir:     "./output",
			Prefix:        "",
			Suffix:        "_saliency",
			Figure:        true,
		},
		Narrator: NarratorConfig{
			Enabled: false,
			Backend: "ollama",
			URL:     "http://localhost:11434",
			Model:   "llava",
		},
	}
}

// LoadFromFile loads configuration from a JSON file. Missing fields keep
// their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Model.Backend {
	case "convnet":
	case "onnx":
		if !c.Model.InputShape.Valid() {
			return fmt.Errorf("model.input_shape is required for the onnx backend")
		}
		if c.Model.Classes < 1 {
			return fmt.Errorf("model.classes must be positive for the onnx backend")
		}
		if c.Model.InputName == "" || c.Model.OutputName == "" {
			return fmt.Errorf("model.input_name and model.output_name are required for the onnx backend")
		}
		if c.Model.Layout != onnx.NHWC && c.Model.Layout != onnx.NCHW {
			return fmt.Errorf("model.layout must be nhwc or nchw")
		}
	default:
		return fmt.Errorf("model.backend must be convnet or onnx, got %q", c.Model.Backend)
	}

	if c.Grid.Size < 1 {
		return fmt.Errorf("grid.size must be positive")
	}
	if c.Grid.Stride <= 0 {
		return fmt.Errorf("grid.stride must be positive")
	}

	if c.Occlusion.Workers < 1 {
		return fmt.Errorf("occlusion.workers must be positive")
	}

	if _, ok := render.ColorMaps[c.Render.ColorMap]; !ok {
		return fmt.Errorf("render.color_map %q is not supported", c.Render.ColorMap)
	}
	if c.Render.Opacity < 0 || c.Render.Opacity > 1 {
		return fmt.Errorf("render.opacity must be between 0 and 1")
	}

	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return fmt.Errorf("output.quality must be between 1 and 100")
	}
	switch c.Output.DefaultFormat {
	case "png", "jpg", "jpeg", "webp":
	default:
		return fmt.Errorf("output.default_format must be png, jpg or webp")
	}

	if c.Narrator.Enabled {
		if c.Narrator.Backend != "ollama" && c.Narrator.Backend != "llamacpp" {
			return fmt.Errorf("narrator.backend must be ollama or llamacpp")
		}
		if c.Narrator.Model == "" {
			return fmt.Errorf("narrator.model cannot be empty")
		}
	}
	return nil
}

// Label returns the configured name of a class, or its number
func (c *Config) Label(class int) string {
	if class >= 0 && class < len(c.Model.Labels) {
		return c.Model.Labels[class]
	}
	return fmt.Sprintf("class %d", class)
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "saliency-explainer", "config.json")
}
