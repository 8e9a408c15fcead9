// Package prompt assembles the user and system prompts sent to the agent.
// Assembly is a pure function of its inputs: identical inputs produce
// byte-identical outputs, and the test suite holds the package to string
// equality. Section ordering is fixed; empty sections are omitted.
package prompt

import (
	"strings"

	"github.com/issueflow/issueflow/pkg/config"
	"github.com/issueflow/issueflow/pkg/models"
)

// Kind selects how the prompt is composed.
type Kind string

// Prompt kinds.
const (
	// KindAssignment is a new session created from a tracker assignment:
	// full issue context, subroutine prompt, attachments.
	KindAssignment Kind = "assignment"

	// KindStreaming is a new streaming session: assignment plus an
	// explicit invitation turn.
	KindStreaming Kind = "streaming"

	// KindContinuation feeds a user comment into an existing session:
	// comment and attachment manifest only, no system prompt override.
	KindContinuation Kind = "continuation"

	// KindFallback is a session started without an inbound trigger:
	// issue context and subroutine prompt.
	KindFallback Kind = "fallback"
)

// Input carries everything assembly depends on.
type Input struct {
	Kind        Kind
	Session     *models.Session
	Issue       *models.Issue
	Subroutine  string
	UserComment string
	Attachments []models.Attachment
	Repo        config.RepositoryConfig
}

// Result is the assembled prompt pair plus bookkeeping: the recognized
// components that went into it (asserted by tests) and the plugin paths
// routed from the issue's labels.
type Result struct {
	UserPrompt   string
	SystemPrompt string
	Components   []string
	PluginPaths  []string
}

// Assembler composes prompts. Stateless and thread-safe.
type Assembler struct{}

// NewAssembler creates an Assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Assemble builds the prompt pair for the given input.
func (a *Assembler) Assemble(in Input) Result {
	var res Result
	if in.Issue != nil {
		res.PluginPaths = in.Repo.PluginPathsForLabels(in.Issue.Labels)
	}

	switch in.Kind {
	case KindContinuation:
		res.UserPrompt = a.continuationPrompt(in, &res)
		// No system prompt override on continuation.
		return res
	case KindStreaming:
		res.UserPrompt = a.issuePrompt(in, &res, true, true)
	case KindFallback:
		res.UserPrompt = a.issuePrompt(in, &res, false, false)
	default: // KindAssignment
		res.UserPrompt = a.issuePrompt(in, &res, true, false)
	}

	res.SystemPrompt = a.systemPrompt(in, &res)
	return res
}

// issuePrompt builds the fixed-order issue-context prompt. withAttachments
// appends the manifest; withInvitation appends the streaming invitation.
func (a *Assembler) issuePrompt(in Input, res *Result, withAttachments, withInvitation bool) string {
	var sections []string

	if s := FormatContextSection(in.Repo, workingDir(in)); s != "" {
		sections = append(sections, s)
		res.Components = append(res.Components, "context")
	}
	if s := FormatIssueSection(in.Issue); s != "" {
		sections = append(sections, s)
		res.Components = append(res.Components, "issue")
	}
	if in.Issue != nil {
		sections = append(sections, FormatCommentsSection(in.Issue.Comments))
		res.Components = append(res.Components, "comments")
	}
	if body := SubroutineBody(in.Subroutine); body != "" {
		sections = append(sections, body)
		res.Components = append(res.Components, "subroutine:"+in.Subroutine)
	}
	if withAttachments {
		if s := FormatAttachmentManifest(in.Attachments); s != "" {
			sections = append(sections, s)
			res.Components = append(res.Components, "attachments")
		}
	}
	if withInvitation {
		sections = append(sections, invitationTurn)
		res.Components = append(res.Components, "invitation")
	}

	return strings.Join(sections, "\n\n")
}

// continuationPrompt carries only the user's comment and any new
// attachments into the live session.
func (a *Assembler) continuationPrompt(in Input, res *Result) string {
	var sections []string
	if in.UserComment != "" {
		sections = append(sections, in.UserComment)
		res.Components = append(res.Components, "user_comment")
	}
	if s := FormatAttachmentManifest(in.Attachments); s != "" {
		sections = append(sections, s)
		res.Components = append(res.Components, "attachments")
	}
	return strings.Join(sections, "\n\n")
}

// systemPrompt composes the base blocks plus any per-subroutine extension.
func (a *Assembler) systemPrompt(in Input, res *Result) string {
	blocks := []string{taskManagementBlock, situationAssessmentBlock, executionInstructionsBlock}
	res.Components = append(res.Components, "system:base")

	if ext := SubroutineSystemExtension(in.Subroutine); ext != "" {
		blocks = append(blocks, ext)
		res.Components = append(res.Components, "system:"+in.Subroutine)
	}
	return strings.Join(blocks, "\n\n")
}

func workingDir(in Input) string {
	if in.Session != nil && in.Session.WorkingDir != "" {
		return in.Session.WorkingDir
	}
	return in.Repo.WorkingDir
}
