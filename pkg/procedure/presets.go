// Package procedure owns the ordered subroutine progression of a session:
// named procedure presets, the validation loop around validated subroutines,
// and the orchestrator's sub-issue task graph.
package procedure

// Step is one entry in a procedure: a subroutine name plus how it runs.
type Step struct {
	Name string

	// Parallelism > 1 launches that many concurrent runs of the subroutine.
	// All runs must finish before the step completes.
	Parallelism int

	// Validated steps run the validation loop: after the subroutine
	// completes, a validator judges the result and may send it around again.
	Validated bool
}

// Preset is a named, ordered list of steps.
type Preset struct {
	Name  string
	Steps []Step
}

// builtinPresets are the procedures sessions can run. The orchestrator
// procedure has no static steps; its graph is computed from sub-issues.
var builtinPresets = map[string]Preset{
	"simple-question": {
		Name: "simple-question",
		Steps: []Step{
			{Name: "question-investigation", Parallelism: 1},
			{Name: "question-answer", Parallelism: 1},
		},
	},
	"doc-edit": {
		Name: "doc-edit",
		Steps: []Step{
			{Name: "doc-implementation", Parallelism: 1, Validated: true},
			{Name: "concise-summary", Parallelism: 1},
		},
	},
	"full-development": {
		Name: "full-development",
		Steps: []Step{
			{Name: "coding-activity", Parallelism: 1, Validated: true},
			{Name: "verifications", Parallelism: 1, Validated: true},
			{Name: "changelog-update", Parallelism: 1},
			{Name: "git-commit", Parallelism: 1},
			{Name: "gh-pr", Parallelism: 1},
			{Name: "concise-summary", Parallelism: 1},
		},
	},
	"debugger": {
		Name: "debugger",
		Steps: []Step{
			{Name: "reproduce", Parallelism: 3},
			{Name: "fix", Parallelism: 1, Validated: true},
			{Name: "verifications", Parallelism: 1, Validated: true},
			{Name: "git-commit", Parallelism: 1},
			{Name: "concise-summary", Parallelism: 1},
		},
	},
	"orchestrator": {
		Name: "orchestrator",
	},
}

// Lookup returns the preset by name.
func Lookup(name string) (Preset, bool) {
	p, ok := builtinPresets[name]
	return p, ok
}

// PresetNames returns the built-in procedure names.
func PresetNames() []string {
	names := make([]string, 0, len(builtinPresets))
	for name := range builtinPresets {
		names = append(names, name)
	}
	return names
}
