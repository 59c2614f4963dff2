// Package domain defines the core domain models for the orchestrator.
package domain

import "fmt"

// Stage is a named phase of a workflow, or one of the two terminal values.
type Stage string

const (
	StagePlan     Stage = "plan"
	StageBuild    Stage = "build"
	StageTest     Stage = "test"
	StageReview   Stage = "review"
	StageDocument Stage = "document"
	StageMerge    Stage = "merge"

	StageCompleted Stage = "completed"
	StageErrored   Stage = "errored"
)

// Pipeline is the canonical stage order.
var Pipeline = []Stage{StagePlan, StageBuild, StageTest, StageReview, StageDocument, StageMerge}

var stageRank = func() map[Stage]int {
	m := make(map[Stage]int, len(Pipeline)+2)
	for i, s := range Pipeline {
		m[s] = i
	}
	m[StageCompleted] = len(Pipeline)
	m[StageErrored] = len(Pipeline)
	return m
}()

// ParseStage accepts a pipeline stage name.
func ParseStage(s string) (Stage, error) {
	stage := Stage(s)
	if !stage.IsPipeline() {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return stage, nil
}

// IsPipeline reports whether s is one of the six pipeline stages.
func (s Stage) IsPipeline() bool {
	r, ok := stageRank[s]
	return ok && r < len(Pipeline)
}

// IsTerminal reports whether s is completed or errored.
func (s Stage) IsTerminal() bool {
	return s == StageCompleted || s == StageErrored
}

// Rank orders stages by pipeline position; both terminal values rank after
// every pipeline stage. Unknown stages rank -1.
func (s Stage) Rank() int {
	if r, ok := stageRank[s]; ok {
		return r
	}
	return -1
}

// SubState is the lifecycle of a single stage within a run.
type SubState string

const (
	SubStatePending   SubState = "pending"
	SubStateRunning   SubState = "running"
	SubStateCompleted SubState = "completed"
	SubStateErrored   SubState = "errored"
)

// Model tiers.
const (
	ModelOpus   = "opus"
	ModelSonnet = "sonnet"
	ModelHaiku  = "haiku"
)

// HookPoint names an extension point the workflow process reports through.
type HookPoint string

const (
	HookBeforeToolCall HookPoint = "before_tool_call"
	HookAfterToolCall  HookPoint = "after_tool_call"
	HookReasoningStep  HookPoint = "reasoning_step"
	HookTextChunk      HookPoint = "text_chunk"
)

// ParseHookPoint accepts a hook point name.
func ParseHookPoint(s string) (HookPoint, error) {
	switch p := HookPoint(s); p {
	case HookBeforeToolCall, HookAfterToolCall, HookReasoningStep, HookTextChunk:
		return p, nil
	}
	return "", fmt.Errorf("unknown hook point %q", s)
}

// ToolClass is the tracker's classification of a tool.
type ToolClass string

const (
	ToolClassRead   ToolClass = "read"
	ToolClassWrite  ToolClass = "write"
	ToolClassIgnore ToolClass = "ignore"
)
