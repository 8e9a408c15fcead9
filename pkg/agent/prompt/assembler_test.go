package prompt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issueflow/issueflow/pkg/config"
	"github.com/issueflow/issueflow/pkg/models"
)

func sampleInput() Input {
	return Input{
		Kind: KindAssignment,
		Issue: &models.Issue{
			ID:          "issue-1",
			Identifier:  "TEAM-123",
			Title:       "Add unit tests for parser",
			Description: "The parser package has no tests.",
			State:       "todo",
			Priority:    2,
			URL:         "https://tracker.example/TEAM-123",
			Labels:      []string{"backend"},
			Comments: []models.Comment{
				{Author: "alice", Body: "Please start with the lexer.\nDetails inside."},
			},
		},
		Subroutine: "coding-activity",
		Repo: config.RepositoryConfig{
			ID:         "repo-1",
			WorkingDir: "/work/repo-1",
			BaseBranch: "main",
		},
	}
}

func TestAssembleIsPure(t *testing.T) {
	a := NewAssembler()
	in := sampleInput()

	first := a.Assemble(in)
	second := a.Assemble(in)

	assert.Equal(t, first.UserPrompt, second.UserPrompt)
	assert.Equal(t, first.SystemPrompt, second.SystemPrompt)
	assert.Equal(t, first.Components, second.Components)
}

func TestAssembleSectionOrder(t *testing.T) {
	a := NewAssembler()
	res := a.Assemble(sampleInput())

	ctxIdx := strings.Index(res.UserPrompt, "<context>")
	issueIdx := strings.Index(res.UserPrompt, "<linear_issue>")
	commentsIdx := strings.Index(res.UserPrompt, "<linear_comments>")
	subIdx := strings.Index(res.UserPrompt, "## Step: Implement")

	require.GreaterOrEqual(t, ctxIdx, 0)
	require.Greater(t, issueIdx, ctxIdx)
	require.Greater(t, commentsIdx, issueIdx)
	require.Greater(t, subIdx, commentsIdx)

	assert.Equal(t, []string{"context", "issue", "comments", "subroutine:coding-activity", "system:base"}, res.Components)
}

func TestAssembleEmptyIssueStillWellFormed(t *testing.T) {
	a := NewAssembler()
	in := sampleInput()
	in.Issue.Description = ""
	in.Issue.Comments = nil
	in.Attachments = nil

	res := a.Assemble(in)

	assert.Contains(t, res.UserPrompt, "<linear_comments>\nNo comments yet.\n</linear_comments>")
	assert.NotContains(t, res.UserPrompt, "<attachments>")
	assert.NotContains(t, res.UserPrompt, "description:")
}

func TestAssembleAttachmentManifest(t *testing.T) {
	a := NewAssembler()
	in := sampleInput()
	in.Attachments = []models.Attachment{
		{URL: "https://files.example/a.png", LocalPath: "/home/attachments/issue-1/attachment_0001.png", MimeType: "image/png", SizeBytes: 123},
		{URL: "https://files.example/b.txt", LocalPath: "/home/attachments/issue-1/attachment_0002.txt", MimeType: "text/plain", SizeBytes: 45},
	}

	res := a.Assemble(in)
	require.Contains(t, res.UserPrompt, "<attachments>")
	assert.Contains(t, res.UserPrompt, "1. /home/attachments/issue-1/attachment_0001.png (image/png, 123 bytes)")
	assert.Contains(t, res.UserPrompt, "2. /home/attachments/issue-1/attachment_0002.txt (text/plain, 45 bytes)")
	assert.Contains(t, res.Components, "attachments")

	// Manifest comes last.
	assert.Greater(t, strings.Index(res.UserPrompt, "<attachments>"), strings.Index(res.UserPrompt, "## Step: Implement"))
}

func TestAssembleStreamingAddsInvitation(t *testing.T) {
	a := NewAssembler()
	in := sampleInput()
	in.Kind = KindStreaming

	res := a.Assemble(in)
	assert.Contains(t, res.UserPrompt, "Begin now")
	assert.Contains(t, res.Components, "invitation")

	// Assignment prompt is a strict prefix of the streaming prompt.
	in.Kind = KindAssignment
	base := a.Assemble(in)
	assert.True(t, strings.HasPrefix(res.UserPrompt, base.UserPrompt))
}

func TestAssembleContinuation(t *testing.T) {
	a := NewAssembler()
	in := sampleInput()
	in.Kind = KindContinuation
	in.UserComment = "Please also cover the error paths."

	res := a.Assemble(in)
	assert.Equal(t, "Please also cover the error paths.", res.UserPrompt)
	assert.Empty(t, res.SystemPrompt, "continuation must not override the system prompt")
	assert.Equal(t, []string{"user_comment"}, res.Components)
}

func TestAssembleFallbackOmitsAttachments(t *testing.T) {
	a := NewAssembler()
	in := sampleInput()
	in.Kind = KindFallback
	in.Attachments = []models.Attachment{{URL: "https://x", LocalPath: "/p", MimeType: "image/png", SizeBytes: 1}}

	res := a.Assemble(in)
	assert.NotContains(t, res.UserPrompt, "<attachments>")
	assert.Contains(t, res.UserPrompt, "<linear_issue>")
}

func TestAssembleSystemPromptExtensions(t *testing.T) {
	a := NewAssembler()
	in := sampleInput()
	in.Subroutine = "verifications"

	res := a.Assemble(in)
	assert.Contains(t, res.SystemPrompt, "# Task Management")
	assert.Contains(t, res.SystemPrompt, "# Situation Assessment")
	assert.Contains(t, res.SystemPrompt, "# Execution")
	assert.Contains(t, res.SystemPrompt, "# Verification Discipline")
	assert.Contains(t, res.Components, "system:verifications")

	in.Subroutine = "coding-activity"
	res = a.Assemble(in)
	assert.NotContains(t, res.SystemPrompt, "# Verification Discipline")
}

func TestAssemblePluginRouting(t *testing.T) {
	a := NewAssembler()
	in := sampleInput()
	in.Issue.Labels = []string{"Design", "backend"}
	in.Repo.Plugins = []config.PluginConfig{
		{Name: "figma", Path: "/plugins/figma", Active: true},
		{Name: "off", Path: "/plugins/off", Active: false},
	}
	in.Repo.LabelRouting = map[string][]string{
		"design":  {"figma", "off"},
		"backend": {"figma"}, // dedup across labels
	}

	res := a.Assemble(in)
	assert.Equal(t, []string{"/plugins/figma"}, res.PluginPaths)
}
