package domain

import (
	"errors"
	"testing"
)

func TestNormalizeStagesCanonicalOrder(t *testing.T) {
	stages, err := NormalizeStages([]string{"test", "plan", "build", "plan"})
	if err != nil {
		t.Fatalf("NormalizeStages failed: %v", err)
	}
	want := []Stage{StagePlan, StageBuild, StageTest}
	if len(stages) != len(want) {
		t.Fatalf("expected %v, got %v", want, stages)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, stages)
		}
	}
}

func TestNormalizeStagesRejectsUnknownAndEmpty(t *testing.T) {
	if _, err := NormalizeStages(nil); !errors.Is(err, ErrInvalidTrigger) {
		t.Fatalf("expected ErrInvalidTrigger, got %v", err)
	}
	if _, err := NormalizeStages([]string{"plan", "deploy"}); !errors.Is(err, ErrInvalidTrigger) {
		t.Fatalf("expected ErrInvalidTrigger, got %v", err)
	}
	if _, err := NormalizeStages([]string{"completed"}); err == nil {
		t.Fatalf("terminal values must not be queued")
	}
}

func TestStageRank(t *testing.T) {
	if StagePlan.Rank() >= StageBuild.Rank() {
		t.Fatalf("plan must rank before build")
	}
	if StageMerge.Rank() >= StageCompleted.Rank() {
		t.Fatalf("merge must rank before completed")
	}
	if StageErrored.Rank() != StageCompleted.Rank() {
		t.Fatalf("terminal values share a rank")
	}
	if Stage("bogus").Rank() != -1 {
		t.Fatalf("unknown stage should rank -1")
	}
}

func TestParseStageModels(t *testing.T) {
	models, err := ParseStageModels(map[string]string{"plan": "opus", "test": ""})
	if err != nil {
		t.Fatalf("ParseStageModels failed: %v", err)
	}
	if models[StagePlan] != "opus" {
		t.Fatalf("expected opus for plan, got %q", models[StagePlan])
	}
	if _, ok := models[StageTest]; ok {
		t.Fatalf("empty override should be dropped")
	}
	if _, err := ParseStageModels(map[string]string{"ship": "opus"}); err == nil {
		t.Fatalf("expected error for unknown stage")
	}
}

func TestRunViewAndClone(t *testing.T) {
	run := &Run{
		RunID:        "run_1",
		TaskID:       "T1",
		QueuedStages: []Stage{StagePlan, StageBuild},
		StageModels:  map[Stage]string{StagePlan: ModelOpus},
		StageStates:  map[Stage]SubState{StagePlan: SubStateRunning},
		CurrentStage: StagePlan,
	}
	clone := run.Clone()
	clone.StageStates[StagePlan] = SubStateCompleted
	clone.QueuedStages[0] = StageMerge
	if run.StageStates[StagePlan] != SubStateRunning || run.QueuedStages[0] != StagePlan {
		t.Fatalf("clone shares state with original")
	}

	view := run.View()
	if view.CurrentStage != "plan" || view.StageModels["plan"] != "opus" || view.StageStates["plan"] != "running" {
		t.Fatalf("unexpected view: %+v", view)
	}
}
