package services

import "github.com/soaringjerry/persuasion/internal/models"

// EvaluateAttentionCheck passes only when the submitted answers form exactly the
// expected set. Subsets, supersets and disjoint sets fail.
func EvaluateAttentionCheck(answers, correct []string) models.AttentionOutcome {
	got := make(map[string]struct{}, len(answers))
	for _, a := range answers {
		got[a] = struct{}{}
	}
	if len(got) != len(correct) {
		return models.AttentionFail
	}
	for _, c := range correct {
		if _, ok := got[c]; !ok {
			return models.AttentionFail
		}
	}
	return models.AttentionPass
}
