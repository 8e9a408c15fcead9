package prompt

// Subroutine prompt bodies, keyed by subroutine name. Unknown subroutines
// get an empty body; the section is then omitted.
var subroutineBodies = map[string]string{
	"question-investigation": `## Step: Investigate

Answer-oriented investigation only. Read the code relevant to the question;
do not modify anything. Collect the facts needed for a direct answer.`,

	"question-answer": `## Step: Answer

Write the answer to the issue's question as a single markdown comment.
Cite file paths and line numbers for every claim.`,

	"doc-implementation": `## Step: Edit Documentation

Apply the requested documentation change. Match the surrounding document's
tone and formatting. Do not touch source code.`,

	"coding-activity": `## Step: Implement

Implement the change the issue asks for. Keep commits out of scope for this
step; just get the working tree right and the tests passing locally.`,

	"verifications": `## Step: Verify

Run the project's test suite and linters. Fix anything your change broke.
Report each command you ran and its outcome.`,

	"changelog-update": `## Step: Changelog

Add a changelog entry for this change if the repository keeps one. Follow
the existing entry format exactly. Skip silently if there is no changelog.`,

	"git-commit": `## Step: Commit

Stage and commit the working tree. Write a commit message that describes
what changed and why, in the repository's prevailing style.`,

	"gh-pr": `## Step: Pull Request

Push the branch and open a pull request against the base branch. The PR
description should summarize the change and how it was verified.`,

	"concise-summary": `## Step: Summarize

Write a short summary of everything done in this session: what changed,
what was verified, and anything left open. This is the final comment.`,

	"reproduce": `## Step: Reproduce

Reproduce the reported failure. Capture the exact command and output that
demonstrates the bug. Do not attempt a fix yet.`,

	"fix": `## Step: Fix

Fix the reproduced failure. The reproduction from the previous step must
pass afterwards.`,
}

// Per-subroutine system prompt extensions. Most subroutines need none.
var subroutineSystemExtensions = map[string]string{
	"verifications": `# Verification Discipline

Treat a failing check as your own failure to fix, not an environment
problem, unless you can prove otherwise with command output.`,

	"git-commit": `# Git Discipline

Never force-push. Never rewrite history on the base branch. One logical
change per commit.`,

	"gh-pr": `# Pull Request Discipline

Target the configured base branch. Do not merge the PR yourself.`,
}

// SubroutineBody returns the user-prompt body for a subroutine, or "" when
// the subroutine is unknown.
func SubroutineBody(name string) string {
	return subroutineBodies[name]
}

// SubroutineSystemExtension returns the system-prompt extension for a
// subroutine, or "" when it has none.
func SubroutineSystemExtension(name string) string {
	return subroutineSystemExtensions[name]
}
