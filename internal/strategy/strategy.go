// Package strategy holds the review-strategy presets: the prompts and
// sampling parameters a task's classification runs with. Presets ship as a
// YAML file; with no file configured a single builtin preset is used.
package strategy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Strategy struct {
	Type             string  `yaml:"type" json:"type"`
	Description      string  `yaml:"description" json:"description,omitempty"`
	TextPrompt       string  `yaml:"text_prompt" json:"text_prompt"`
	VisionPrompt     string  `yaml:"vision_prompt" json:"vision_prompt"`
	MinConfidence    float64 `yaml:"min_confidence" json:"min_confidence"`
	FrameIntervalSec int     `yaml:"frame_interval_sec" json:"frame_interval_sec"`
	MaxFrames        int     `yaml:"max_frames" json:"max_frames"`
}

type Config struct {
	Default    string     `yaml:"default"`
	Strategies []Strategy `yaml:"strategies"`
}

type Registry struct {
	defaultType string
	byType      map[string]Strategy
}

const defaultTextPrompt = `You are a content compliance reviewer. Review the content below and reply with JSON only: {"results":[{"verdict":"compliant|non_compliant|uncertain","confidence":0.0,"evidence_text":"..."}]}. Report one result per policy concern; report a single compliant result when nothing is wrong.`

const defaultVisionPrompt = `You are a content compliance reviewer. Review the attached image and reply with JSON only: {"results":[{"verdict":"compliant|non_compliant|uncertain","confidence":0.0,"evidence_text":"..."}]}. Report one result per policy concern; report a single compliant result when nothing is wrong.`

func builtin() Strategy {
	return Strategy{
		Type:             "default",
		Description:      "general content compliance review",
		TextPrompt:       defaultTextPrompt,
		VisionPrompt:     defaultVisionPrompt,
		FrameIntervalSec: 5,
		MaxFrames:        20,
	}
}

// Load reads presets from path. An empty path yields a registry with only
// the builtin preset.
func Load(path string) (*Registry, error) {
	r := &Registry{defaultType: "default", byType: map[string]Strategy{"default": builtin()}}
	if strings.TrimSpace(path) == "" {
		return r, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategy file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse strategy file: %w", err)
	}
	for _, s := range cfg.Strategies {
		s.Type = strings.TrimSpace(s.Type)
		if s.Type == "" {
			return nil, fmt.Errorf("strategy with empty type in %s", path)
		}
		if s.TextPrompt == "" {
			s.TextPrompt = defaultTextPrompt
		}
		if s.VisionPrompt == "" {
			s.VisionPrompt = defaultVisionPrompt
		}
		if s.FrameIntervalSec <= 0 {
			s.FrameIntervalSec = 5
		}
		if s.MaxFrames <= 0 {
			s.MaxFrames = 20
		}
		r.byType[s.Type] = s
	}
	if d := strings.TrimSpace(cfg.Default); d != "" {
		if _, ok := r.byType[d]; !ok {
			return nil, fmt.Errorf("default strategy %q is not defined", d)
		}
		r.defaultType = d
	}
	return r, nil
}

func (r *Registry) DefaultType() string { return r.defaultType }

// Resolve returns the preset for strategyType; an empty type resolves to the
// default.
func (r *Registry) Resolve(strategyType string) (Strategy, error) {
	t := strings.TrimSpace(strategyType)
	if t == "" {
		t = r.defaultType
	}
	s, ok := r.byType[t]
	if !ok {
		return Strategy{}, fmt.Errorf("unknown strategy type %q", strategyType)
	}
	return s, nil
}

func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.byType))
	for t := range r.byType {
		out = append(out, t)
	}
	return out
}
