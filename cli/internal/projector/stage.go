package projector

// pipeline is the canonical stage order. Terminal values rank after it.
var pipeline = []string{"plan", "build", "test", "review", "document", "merge"}

const (
	stageCompleted = "completed"
	stageErrored   = "errored"
)

func stageRank(stage string) int {
	for i, s := range pipeline {
		if s == stage {
			return i
		}
	}
	if isTerminal(stage) {
		return len(pipeline)
	}
	return -1
}

func isTerminal(stage string) bool {
	return stage == stageCompleted || stage == stageErrored
}
