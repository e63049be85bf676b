package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/menta2k/saliency-explainer"
	"github.com/menta2k/saliency-explainer/internal/config"
	"github.com/menta2k/saliency-explainer/internal/utils"
	"github.com/menta2k/saliency-explainer/pkg/client"
	"github.com/menta2k/saliency-explainer/pkg/convnet"
	"github.com/menta2k/saliency-explainer/pkg/gradcam"
	"github.com/menta2k/saliency-explainer/pkg/llamacpp"
	"github.com/menta2k/saliency-explainer/pkg/model"
	"github.com/menta2k/saliency-explainer/pkg/narrate"
	"github.com/menta2k/saliency-explainer/pkg/occlusion"
	"github.com/menta2k/saliency-explainer/pkg/ollama"
	"github.com/menta2k/saliency-explainer/pkg/onnx"
	"github.com/menta2k/saliency-explainer/pkg/regions"
	"github.com/menta2k/saliency-explainer/pkg/render"
	"github.com/menta2k/saliency-explainer/pkg/types"
)

// Report is written next to the images of every explained input
type Report struct {
	ID          string                  `json:"id"`
	CreatedAt   time.Time               `json:"created_at"`
	Input       string                  `json:"input"`
	Model       string                  `json:"model"`
	Method      saliency.Method         `json:"method"`
	Class       int                     `json:"class"`
	Label       string                  `json:"label"`
	Probability float64                 `json:"probability"`
	Predictions []float64               `json:"predictions"`
	Layer       string                  `json:"layer,omitempty"`
	Regions     []occlusion.RegionScore `json:"regions,omitempty"`
	Artifacts   map[string]string       `json:"artifacts"`
	Narration   *types.Narration        `json:"narration,omitempty"`
}

func main() {
	var in, outDir, configPath, method, modelPath, backend, layer, regionsPath, ext, colorMap string
	var class, size, workers, quality int
	var stride, opacity float64
	var figure, boxes, narration, excludeBg, saveConfig bool
	var narratorBackend, narratorURL, narratorModel string

	flag.StringVar(&in, "in", "", "input image path, URL or directory")
	flag.StringVar(&outDir, "out", "", "output directory (default from config)")
	flag.StringVar(&configPath, "config", "", "config file (default "+config.GetConfigPath()+" when present)")
	flag.BoolVar(&saveConfig, "saveconfig", false, "write the effective config to -config and exit")

	flag.StringVar(&method, "method", "gradcam", "explanation method: gradcam or occlusion")
	flag.StringVar(&backend, "backend", "", "model backend: convnet or onnx")
	flag.StringVar(&modelPath, "model", "", "model file (convnet JSON or .onnx)")
	flag.StringVar(&layer, "layer", "", "Grad-CAM layer")
	flag.IntVar(&class, "class", saliency.TopClass, "Grad-CAM class index (-1 = winning class)")

	flag.Float64Var(&stride, "stride", 0, "occlusion grid stride as a fraction of the box size")
	flag.IntVar(&size, "size", 0, "occlusion grid box size in pixels")
	flag.StringVar(&regionsPath, "regions", "", "segmentation mask whose gray levels are region ids (replaces the grid)")
	flag.BoolVar(&excludeBg, "nobackground", false, "leave region 0 of a mask or grid unoccluded")
	flag.IntVar(&workers, "workers", 0, "parallel occlusion inferences")

	flag.StringVar(&ext, "ext", "", "image output format: png|jpg|webp")
	flag.IntVar(&quality, "quality", 0, "JPEG/WebP output quality (1-100)")
	flag.StringVar(&colorMap, "colormap", "", "overlay color map: blackbody|kindlmann|bluered")
	flag.Float64Var(&opacity, "opacity", -1, "heatmap opacity over the image (0..1)")
	flag.BoolVar(&figure, "figure", false, "also plot the heatmap as a figure")
	flag.BoolVar(&boxes, "boxes", false, "outline occlusion grid boxes on the overlay")

	flag.BoolVar(&narration, "narrate", false, "ask a vision model to describe the overlay")
	flag.StringVar(&narratorBackend, "narrator", "", "narrator backend: ollama or llamacpp")
	flag.StringVar(&narratorURL, "url", "", "narrator server URL")
	flag.StringVar(&narratorModel, "vlm", "", "narrator model name")

	flag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatal(err)
	}

	// Flags given explicitly override the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "out":
			cfg.Output.OutputDir = outDir
		case "backend":
			cfg.Model.Backend = backend
		case "model":
			cfg.Model.Path = modelPath
		case "layer":
			cfg.GradCAM.Layer = layer
		case "stride":
			cfg.Grid.Stride = stride
		case "size":
			cfg.Grid.Size = size
		case "nobackground":
			cfg.Occlusion.ExcludeBackground = excludeBg
		case "workers":
			cfg.Occlusion.Workers = workers
		case "ext":
			cfg.Output.DefaultFormat = ext
		case "quality":
			cfg.Output.Quality = quality
		case "colormap":
			cfg.Render.ColorMap = colorMap
		case "opacity":
			cfg.Render.Opacity = opacity
		case "figure":
			cfg.Output.Figure = figure
		case "boxes":
			cfg.Render.Boxes = boxes
		case "narrate":
			cfg.Narrator.Enabled = narration
		case "narrator":
			cfg.Narrator.Backend = narratorBackend
		case "url":
			cfg.Narrator.URL = narratorURL
		case "vlm":
			cfg.Narrator.Model = narratorModel
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	if saveConfig {
		path := configPath
		if path == "" {
			path = config.GetConfigPath()
		}
		if err := cfg.SaveToFile(path); err != nil {
			log.Fatal(err)
		}
		log.Printf("wrote %s", path)
		return
	}

	if in == "" || cfg.Model.Path == "" {
		log.Fatalf("usage: %s -in image.jpg|URL|dir -model net.json [-method gradcam|occlusion] [-layer conv2] [-stride 1 -size 32] [-regions mask.png] [-out outdir]", filepath.Base(os.Args[0]))
	}
	if err := utils.EnsureDir(cfg.Output.OutputDir); err != nil {
		log.Fatal(err)
	}

	m, closeModel, err := loadModel(cfg.Model, cfg.Occlusion.Workers)
	if err != nil {
		log.Fatal(err)
	}
	defer closeModel()

	narrator, err := newNarrator(cfg.Narrator)
	if err != nil {
		log.Fatal(err)
	}

	explainer := saliency.NewWithConfig(saliency.Config{
		Grid: saliency.GridConfig{Stride: cfg.Grid.Stride, Size: cfg.Grid.Size},
		Occlusion: occlusion.Config{
			ExcludeBackground: cfg.Occlusion.ExcludeBackground,
			FillValue:         cfg.Occlusion.FillValue,
			Workers:           cfg.Occlusion.Workers,
		},
		GradCAM: gradcam.Config{Layer: cfg.GradCAM.Layer},
		Render: render.Config{
			ColorMap:  cfg.Render.ColorMap,
			Opacity:   cfg.Render.Opacity,
			BoxColor:  render.DefaultConfig().BoxColor,
			BoxStroke: render.DefaultConfig().BoxStroke,
		},
		Boxes:   cfg.Render.Boxes,
		Quality: cfg.Output.Quality,
	})

	inputs := []string{in}
	if utils.DirExists(in) {
		inputs, err = utils.ListImageFiles(in)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("found %d images in %s", len(inputs), in)
	}

	ctx := context.Background()
	failed := 0
	for _, input := range inputs {
		r := &run{
			cfg:       cfg,
			explainer: explainer,
			model:     m,
			narrator:  narrator,
			method:    saliency.Method(method),
			class:     class,
			regions:   regionsPath,
		}
		if err := r.explain(ctx, input); err != nil {
			log.Printf("%s: %v", input, err)
			failed++
		}
	}
	if failed > 0 {
		log.Fatalf("%d of %d inputs failed", failed, len(inputs))
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if !utils.FileExists(config.GetConfigPath()) {
			return config.Default(), nil
		}
		path = config.GetConfigPath()
	}
	return config.LoadFromFile(path)
}

// loadModel opens the configured backend. ONNX models get one session per
// occlusion worker.
func loadModel(mc config.ModelConfig, workers int) (model.Classifier, func(), error) {
	switch mc.Backend {
	case "onnx":
		if err := onnx.Init(mc.LibraryPath); err != nil {
			return nil, nil, err
		}
		pool, err := onnx.NewPool(onnx.Config{
			ModelPath:  mc.Path,
			InputName:  mc.InputName,
			OutputName: mc.OutputName,
			InputShape: mc.InputShape,
			Classes:    mc.Classes,
			Layout:     mc.Layout,
			Layers:     mc.Layers,
			Threads:    mc.Threads,
		}, workers)
		if err != nil {
			onnx.Shutdown()
			return nil, nil, err
		}
		return pool, func() {
			pool.Destroy()
			onnx.Shutdown()
		}, nil
	default:
		net, err := convnet.Load(mc.Path)
		if err != nil {
			return nil, nil, err
		}
		return net, func() {}, nil
	}
}

func newNarrator(nc config.NarratorConfig) (*narrate.Narrator, error) {
	if !nc.Enabled {
		return nil, nil
	}
	var vc client.VisionClient
	var err error
	switch nc.Backend {
	case "llamacpp":
		vc, err = llamacpp.NewClient(nc.URL)
	default:
		vc, err = ollama.NewClient(nc.URL)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", nc.Backend, err)
	}
	return narrate.New(vc, nc.Model), nil
}

type run struct {
	cfg       *config.Config
	explainer *saliency.Explainer
	model     model.Classifier
	narrator  *narrate.Narrator
	method    saliency.Method
	class     int
	regions   string
}

func (r *run) explain(ctx context.Context, input string) error {
	img, err := r.explainer.LoadImage(ctx, input)
	if err != nil {
		return err
	}

	var p *regions.Partition
	if r.regions != "" && r.method == saliency.MethodOcclusion {
		p, err = r.explainer.LoadPartition(r.regions, r.model.InputShape())
		if err != nil {
			return err
		}
	}

	start := time.Now()
	ex, err := r.explainer.Explain(ctx, r.method, r.model, img, r.cfg.GradCAM.Layer, r.class, p)
	if errors.Is(err, types.ErrDegenerateNormalization) {
		return fmt.Errorf("nothing to show, the heatmap is flat: %w", err)
	}
	if err != nil {
		return err
	}
	label := r.cfg.Label(ex.Class)
	log.Printf("%s: %s explains %q (p=%.3f) in %s", input, ex.Method, label, ex.Probability, time.Since(start).Round(time.Millisecond))

	out := r.cfg.Output
	name := func(artifact, format string) string {
		return utils.ArtifactFilename(input, out.OutputDir, out.Prefix, out.Suffix, artifact, format)
	}

	report := &Report{
		ID:          uuid.NewString(),
		CreatedAt:   time.Now().UTC(),
		Input:       input,
		Model:       r.cfg.Model.Path,
		Method:      ex.Method,
		Class:       ex.Class,
		Label:       label,
		Probability: ex.Probability,
		Predictions: ex.Predictions,
		Layer:       ex.Layer,
		Regions:     ex.Regions,
		Artifacts:   map[string]string{},
	}

	heatPath := name("heatmap", "png")
	if err := r.explainer.SaveImage(ex.Gray, heatPath); err != nil {
		return err
	}
	report.Artifacts["heatmap"] = heatPath

	overlay, err := r.explainer.Overlay(img, ex)
	if err != nil {
		return err
	}
	overlayPath := name("overlay", out.DefaultFormat)
	if err := r.explainer.SaveImage(overlay, overlayPath); err != nil {
		return err
	}
	report.Artifacts["overlay"] = overlayPath

	if out.Figure {
		figurePath := name("figure", "png")
		title := fmt.Sprintf("%s: %s (%.2f)", ex.Method, label, ex.Probability)
		if err := r.explainer.SaveFigure(ex, title, figurePath); err != nil {
			return err
		}
		report.Artifacts["figure"] = figurePath
	}

	if r.narrator != nil {
		n, err := r.narrator.Describe(ctx, overlay, label)
		if err != nil {
			log.Printf("%s: narration failed: %v", input, err)
		} else {
			report.Narration = n
			log.Printf("%s: narration: %s %v", input, n.Summary, n.Tags)
		}
	}

	reportPath := name("report", "json")
	js, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(reportPath, js, 0o644); err != nil {
		return err
	}
	report.Artifacts["report"] = reportPath

	for _, kind := range []string{"heatmap", "overlay", "figure", "report"} {
		path, ok := report.Artifacts[kind]
		if !ok {
			continue
		}
		if info, err := os.Stat(path); err == nil {
			log.Printf("wrote %s (%s)", path, utils.FormatFileSize(info.Size()))
		}
	}
	return nil
}
