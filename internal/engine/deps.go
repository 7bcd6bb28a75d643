package engine

import "github.com/rendis/dealflow/pkg/schema"

// DependenciesSatisfied reports whether every dependency of the step has a
// completed result among the results produced so far in this execution.
// A step with no dependencies is always satisfied.
//
// Dependencies are intra-execution only and are checked strictly against
// steps already visited in this pass; there is no backtracking or
// re-evaluation if a dependency step appears later in the sequence.
func DependenciesSatisfied(step *schema.WorkflowStep, resultsSoFar []schema.StepResult) bool {
	if len(step.DependsOn) == 0 {
		return true
	}

	byStep := make(map[string]schema.ResultStatus, len(resultsSoFar))
	for _, r := range resultsSoFar {
		byStep[r.StepID] = r.Status
	}

	for _, dep := range step.DependsOn {
		if byStep[dep] != schema.ResultStatusCompleted {
			return false
		}
	}
	return true
}
