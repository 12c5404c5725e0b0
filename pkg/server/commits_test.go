package server

import "testing"

func TestFormatCommitMessage(t *testing.T) {
	tests := []struct {
		name    string
		ctype   string
		scope   string
		subject string
		body    string
		user    string
		want    string
	}{
		{
			name:    "simple",
			ctype:   "feat",
			subject: "add database main",
			user:    "admin",
			want:    "feat: add database main\n\nSigned-off-by: admin",
		},
		{
			name:    "with scope",
			ctype:   "refactor",
			scope:   "main/tables",
			subject: "rename /A/ to /B/",
			user:    "u1",
			want:    "refactor(main/tables): rename /A/ to /B/\n\nSigned-off-by: u1",
		},
		{
			name:    "with body",
			ctype:   "revert",
			scope:   "main",
			subject: "rollback transaction",
			body:    "  restores 3 tables  ",
			user:    "u1",
			want:    "revert(main): rollback transaction\n\nrestores 3 tables\n\nSigned-off-by: u1",
		},
		{
			name:    "default type, no signer",
			subject: "configure",
			want:    "chore: configure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatCommitMessage(tt.ctype, tt.scope, tt.subject, tt.body, tt.user)
			if got != tt.want {
				t.Errorf("FormatCommitMessage() = %q, want %q", got, tt.want)
			}
			if SignerOf(got) != tt.user {
				t.Errorf("SignerOf() = %q, want %q", SignerOf(got), tt.user)
			}
		})
	}
}
