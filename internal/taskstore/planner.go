package taskstore

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var enumerationPattern = regexp.MustCompile(`(?m)(?:^|\n)\s*(?:\d+[.)]|\*|-)\s+`)

var sequenceWords = map[string]bool{
	"first": true, "then": true, "next": true, "finally": true,
	"after": true, "before": true, "step": true,
}

var actionVerbs = map[string]bool{
	"analyze": true, "compare": true, "research": true, "create": true,
	"generate": true, "build": true, "write": true, "summarize": true,
	"investigate": true, "review": true, "evaluate": true, "assess": true,
	"examine": true,
}

var explicitPlanPhrases = []string{
	"create a plan",
	"break down",
	"step by step",
	"multiple steps",
	"list of tasks",
	"in order to",
}

// Analysis is the planner's verdict on one prompt.
type Analysis struct {
	ShouldPlan     bool
	Reasons        []string
	SuggestedTasks []string
}

func (a Analysis) Reason() string {
	if len(a.Reasons) == 0 {
		return "simple request"
	}
	return strings.Join(a.Reasons, "; ")
}

// Planner seeds a task plan before a turn starts when the prompt looks like
// multi-step work.
type Planner struct {
	store           Store
	minPromptLength int
}

func NewPlanner(store Store, minPromptLength int) *Planner {
	if minPromptLength <= 0 {
		minPromptLength = 100
	}
	return &Planner{store: store, minPromptLength: minPromptLength}
}

// Analyze applies the multi-step heuristics to prompt.
func (p *Planner) Analyze(prompt string) Analysis {
	lower := strings.ToLower(prompt)
	words := wordSet(lower)
	var a Analysis

	for _, phrase := range explicitPlanPhrases {
		if strings.Contains(lower, phrase) {
			a.Reasons = append(a.Reasons, fmt.Sprintf("explicit planning request: %q", phrase))
		}
	}

	if enumerationPattern.MatchString(prompt) {
		a.Reasons = append(a.Reasons, "contains enumerated items")
	}

	if seq := intersect(words, sequenceWords); len(seq) >= 2 {
		a.Reasons = append(a.Reasons, fmt.Sprintf("sequence words: %v", seq))
	}

	if verbs := intersect(words, actionVerbs); len(verbs) >= 2 {
		a.Reasons = append(a.Reasons, fmt.Sprintf("multiple actions: %v", verbs))
		for _, v := range verbs {
			a.SuggestedTasks = append(a.SuggestedTasks, strings.ToUpper(v[:1])+v[1:]+" task")
		}
	}

	switch {
	case strings.Contains(lower, " vs ") || strings.Contains(lower, " versus "):
		a.Reasons = append(a.Reasons, "comparison request (vs)")
	case strings.Contains(lower, "compare") && strings.Contains(lower, " to "):
		a.Reasons = append(a.Reasons, "comparison request (compare...to)")
	}

	if len(prompt) > p.minPromptLength && strings.Contains(prompt, ",") {
		if strings.Count(lower, ",")+strings.Count(lower, " and ") >= 2 {
			a.Reasons = append(a.Reasons, "long prompt with multiple clauses")
		}
	}

	a.ShouldPlan = len(a.Reasons) > 0
	return a
}

// Apply seeds the store from prompt when Analyze says so. Existing subtasks
// are kept; a main task is only set when none exists or the store was empty.
// It reports whether the store was written.
func (p *Planner) Apply(ctx context.Context, prompt string) (Analysis, bool, error) {
	a := p.Analyze(prompt)
	if !a.ShouldPlan {
		return a, false, nil
	}
	ctx = withAutoCreated(WithSource(ctx, "planner"))
	_, err := p.store.Update(ctx, func(rec *Record, existed bool) error {
		if !existed || len(rec.Subtasks) == 0 || rec.MainTask == nil {
			rec.SetMainTask(truncate(prompt, 100), StatusInProgress)
		}
		for _, name := range a.SuggestedTasks {
			rec.AddSubtask(rec.NextID(), name, "")
		}
		return nil
	})
	if err != nil {
		return a, false, err
	}
	return a, true, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func wordSet(lower string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(lower) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if w != "" {
			set[w] = true
		}
	}
	return set
}

func intersect(words, vocab map[string]bool) []string {
	var out []string
	for w := range words {
		if vocab[w] {
			out = append(out, w)
		}
	}
	sort.Strings(out)
	return out
}
