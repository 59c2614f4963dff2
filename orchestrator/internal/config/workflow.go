package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kvnkishore11/agentickanban/orchestrator/internal/domain"
)

// Workflow holds the workflow-level model defaults.
//
//	fallback_model: sonnet
//	stage_models:
//	  plan: opus
//	  merge: haiku
type Workflow struct {
	FallbackModel string            `yaml:"fallback_model"`
	StageModels   map[string]string `yaml:"stage_models"`
}

// DefaultWorkflow returns the built-in stage to model tier map.
func DefaultWorkflow() Workflow {
	return Workflow{
		FallbackModel: domain.ModelSonnet,
		StageModels: map[string]string{
			string(domain.StagePlan):     domain.ModelOpus,
			string(domain.StageBuild):    domain.ModelOpus,
			string(domain.StageTest):     domain.ModelSonnet,
			string(domain.StageReview):   domain.ModelSonnet,
			string(domain.StageDocument): domain.ModelSonnet,
			string(domain.StageMerge):    domain.ModelHaiku,
		},
	}
}

// LoadWorkflow reads a YAML workflow file. Entries in the file override the
// defaults; stages it does not mention keep their default model.
func LoadWorkflow(path string) (Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Workflow{}, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return ParseWorkflow(data)
}

// ParseWorkflow decodes YAML workflow defaults on top of DefaultWorkflow.
func ParseWorkflow(data []byte) (Workflow, error) {
	var file Workflow
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Workflow{}, fmt.Errorf("failed to parse workflow file: %w", err)
	}

	wf := DefaultWorkflow()
	if file.FallbackModel != "" {
		wf.FallbackModel = file.FallbackModel
	}
	for name, model := range file.StageModels {
		if _, err := domain.ParseStage(name); err != nil {
			return Workflow{}, fmt.Errorf("workflow file: %w", err)
		}
		if model != "" {
			wf.StageModels[name] = model
		}
	}
	return wf, nil
}

// DefaultModel returns the workflow default for a stage, if any.
func (w Workflow) DefaultModel(stage domain.Stage) (string, bool) {
	model, ok := w.StageModels[string(stage)]
	return model, ok && model != ""
}
