package redis

import (
	"sort"

	"github.com/pravado/playbook/run"
)

// sortRunsNewestFirst orders runs by creation time, newest first.
func sortRunsNewestFirst(runs []*run.Run) {
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
}

// sortStepsCreationOrder orders step runs oldest first, tie-broken by
// ID so the order is stable within a batch-created run.
func sortStepsCreationOrder(steps []*run.StepRun) {
	sort.Slice(steps, func(i, j int) bool {
		if !steps[i].CreatedAt.Equal(steps[j].CreatedAt) {
			return steps[i].CreatedAt.Before(steps[j].CreatedAt)
		}
		return steps[i].ID.String() < steps[j].ID.String()
	})
}
