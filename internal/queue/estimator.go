package queue

import "strings"

// toolProfile captures the baseline rounds/duration/complexity a tool name
// implies, used when a caller does not supply estimates.
type toolProfile struct {
	rounds int
	durationMs int64
	complexity Complexity
}

// knownTools is the table the estimator consults before falling back to
// pattern matching: a small table of named signals rather than a learned
// model.
var knownTools = map[string]toolProfile{
	"question": {rounds: 1, durationMs: 2_000, complexity: ComplexityTrivial},
	"file_read": {rounds: 1, durationMs: 1_500, complexity: ComplexityTrivial},
	"file_edit": {rounds: 1, durationMs: 3_000, complexity: ComplexitySimple},
	"bash": {rounds: 1, durationMs: 4_000, complexity: ComplexitySimple},
	"subagent_run": {rounds: 4, durationMs: 30_000, complexity: ComplexityModerate},
	"subagent_run_parallel": {rounds: 6, durationMs: 45_000, complexity: ComplexityComplex},
	"team_run": {rounds: 10, durationMs: 120_000, complexity: ComplexityExploratory},
	"research": {rounds: 8, durationMs: 90_000, complexity: ComplexityExploratory},
}

// Estimate fills in EstimatedRounds/EstimatedDurationMs/Complexity on meta
// when the caller left them unset, and infers Priority from the tool name
// when no explicit priority was requested. parallelWidth is the fan-out
// count for parallel subagent tools.
func Estimate(meta TaskMeta, parallelWidth int, isRetry, hasExplicitPriority bool) TaskMeta {
	profile, ok := knownTools[meta.ToolName]
	if !ok {
		profile = inferProfile(meta.ToolName, meta.Description)
	}

	if meta.EstimatedRounds == 0 {
		meta.EstimatedRounds = profile.rounds
	}
	if meta.EstimatedDurationMs == 0 {
		meta.EstimatedDurationMs = profile.durationMs
	}
	if meta.Complexity == "" {
		meta.Complexity = profile.complexity
	}

	if !hasExplicitPriority {
		meta.Priority = inferPriority(meta.ToolName, parallelWidth, isRetry)
	}
	return meta
}

// inferProfile falls back to substring matching against the tool name and
// free-text description when the tool isn't in the known-tools table.
func inferProfile(toolName, description string) toolProfile {
	name := strings.ToLower(toolName)
	desc := strings.ToLower(description)

	switch {
	case strings.Contains(name, "parallel"):
		return toolProfile{rounds: 6, durationMs: 45_000, complexity: ComplexityComplex}
	case strings.Contains(name, "team"):
		return toolProfile{rounds: 10, durationMs: 120_000, complexity: ComplexityExploratory}
	case strings.Contains(name, "subagent"), strings.Contains(name, "agent"):
		return toolProfile{rounds: 4, durationMs: 30_000, complexity: ComplexityModerate}
	case strings.Contains(name, "background"):
		return toolProfile{rounds: 2, durationMs: 20_000, complexity: ComplexitySimple}
	case strings.Contains(desc, "explore") || strings.Contains(desc, "investigate"):
		return toolProfile{rounds: 5, durationMs: 60_000, complexity: ComplexityExploratory}
	default:
		return toolProfile{rounds: 2, durationMs: 5_000, complexity: ComplexitySimple}
	}
}

// inferPriority implements step 2's inference table.
func inferPriority(toolName string, parallelWidth int, isRetry bool) Priority {
	name := strings.ToLower(toolName)
	switch {
	case name == "question":
		return PriorityCritical
	case strings.Contains(name, "background"):
		return PriorityBackground
	case isRetry:
		return PriorityLow
	case strings.Contains(name, "parallel") && parallelWidth >= 2:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}
