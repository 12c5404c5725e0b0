package server

import (
	"strings"
)

// CommitType constants for semantic commits
const (
	CommitTypeFeat     = "feat"
	CommitTypeFix      = "fix"
	CommitTypeRefactor = "refactor"
	CommitTypeChore    = "chore"
	CommitTypeRevert   = "revert"
)

const signOff = "Signed-off-by: "

// FormatCommitMessage builds a Conventional Commit message signed by userID:
//
//	<type>(<scope>): <subject>
//
//	<body>
//
//	Signed-off-by: <user id>
func FormatCommitMessage(ctype, scope, subject, body, userID string) string {
	var sb strings.Builder

	if ctype == "" {
		ctype = CommitTypeChore
	}
	sb.WriteString(ctype)

	if scope != "" {
		sb.WriteString("(")
		sb.WriteString(scope)
		sb.WriteString(")")
	}

	sb.WriteString(": ")
	sb.WriteString(subject)

	if body != "" {
		sb.WriteString("\n\n")
		sb.WriteString(strings.TrimSpace(body))
	}

	if userID != "" {
		sb.WriteString("\n\n")
		sb.WriteString(signOff)
		sb.WriteString(userID)
	}

	return sb.String()
}

// SignerOf returns the user id of the Signed-off-by footer, if any.
func SignerOf(message string) string {
	for _, line := range strings.Split(message, "\n") {
		if strings.HasPrefix(line, signOff) {
			return strings.TrimSpace(strings.TrimPrefix(line, signOff))
		}
	}
	return ""
}
