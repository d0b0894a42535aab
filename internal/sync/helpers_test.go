package sync

import "github.com/agentpr/orchestrator/internal/model"

func testSnapshot() model.RunSnapshot {
	return model.RunSnapshot{
		Run: model.Run{
			RunID: "run_test1234",
			Owner: "acme",
			Repo:  "widgets",
		},
		State: model.RunStateCIWait,
	}
}
