package prompt

import (
	"fmt"
	"strings"

	"github.com/issueflow/issueflow/pkg/config"
	"github.com/issueflow/issueflow/pkg/models"
)

// FormatContextSection builds the <context> section: repository identity,
// working directory, and base branch. Empty when nothing is known.
func FormatContextSection(repo config.RepositoryConfig, workingDir string) string {
	if repo.ID == "" && workingDir == "" && repo.BaseBranch == "" {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("<context>\n")
	if repo.ID != "" {
		sb.WriteString("repository: ")
		sb.WriteString(repo.ID)
		sb.WriteString("\n")
	}
	if workingDir != "" {
		sb.WriteString("working_directory: ")
		sb.WriteString(workingDir)
		sb.WriteString("\n")
	}
	if repo.BaseBranch != "" {
		sb.WriteString("base_branch: ")
		sb.WriteString(repo.BaseBranch)
		sb.WriteString("\n")
	}
	sb.WriteString("</context>")
	return sb.String()
}

// FormatIssueSection builds the <linear_issue> section.
func FormatIssueSection(issue *models.Issue) string {
	if issue == nil {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("<linear_issue>\n")
	sb.WriteString("id: ")
	sb.WriteString(issue.ID)
	sb.WriteString("\n")
	if issue.Identifier != "" {
		sb.WriteString("identifier: ")
		sb.WriteString(issue.Identifier)
		sb.WriteString("\n")
	}
	sb.WriteString("title: ")
	sb.WriteString(issue.Title)
	sb.WriteString("\n")
	if issue.Description != "" {
		sb.WriteString("description:\n")
		sb.WriteString(issue.Description)
		sb.WriteString("\n")
	}
	if issue.State != "" {
		sb.WriteString("state: ")
		sb.WriteString(issue.State)
		sb.WriteString("\n")
	}
	if issue.Priority != 0 {
		fmt.Fprintf(&sb, "priority: %d\n", issue.Priority)
	}
	if issue.URL != "" {
		sb.WriteString("url: ")
		sb.WriteString(issue.URL)
		sb.WriteString("\n")
	}
	sb.WriteString("</linear_issue>")
	return sb.String()
}

// FormatCommentsSection builds the <linear_comments> section. An empty
// thread still produces the section with "No comments yet." so the agent
// knows the thread was consulted.
func FormatCommentsSection(comments []models.Comment) string {
	var sb strings.Builder
	sb.WriteString("<linear_comments>\n")
	if len(comments) == 0 {
		sb.WriteString("No comments yet.\n")
	} else {
		for _, c := range comments {
			sb.WriteString(c.Author)
			sb.WriteString(": ")
			sb.WriteString(firstLine(c.Body))
			sb.WriteString("\n")
		}
	}
	sb.WriteString("</linear_comments>")
	return sb.String()
}

// FormatAttachmentManifest lists downloaded attachments, 1-based, in the
// order encountered. Empty input yields no section.
func FormatAttachmentManifest(atts []models.Attachment) string {
	if len(atts) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("<attachments>\n")
	for i, att := range atts {
		fmt.Fprintf(&sb, "%d. %s (%s, %d bytes) <- %s\n",
			i+1, att.LocalPath, att.MimeType, att.SizeBytes, att.URL)
	}
	sb.WriteString("</attachments>")
	return sb.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
