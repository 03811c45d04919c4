package policy

import (
	"strings"
	"testing"
)

func TestRedactTranscript(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		changed bool
	}{
		{
			name:    "clean transcript untouched",
			in:      "Last summer I traveled to Lisbon with my family.",
			want:    "Last summer I traveled to Lisbon with my family.",
			changed: false,
		},
		{
			name:    "email",
			in:      "You can reach me at jane.doe@example.com anytime.",
			want:    "You can reach me at [REDACTED_EMAIL] anytime.",
			changed: true,
		},
		{
			name:    "phone",
			in:      "My number is +1 415-555-0199 if you want to call.",
			want:    "My number is [REDACTED_PHONE] if you want to call.",
			changed: true,
		},
		{
			name:    "card number not treated as phone",
			in:      "I paid with 4111 1111 1111 1111 yesterday.",
			want:    "I paid with [REDACTED_CARD] yesterday.",
			changed: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, changed := RedactTranscript(tc.in)
			if got != tc.want {
				t.Fatalf("RedactTranscript() = %q, want %q", got, tc.want)
			}
			if changed != tc.changed {
				t.Fatalf("changed = %v, want %v", changed, tc.changed)
			}
		})
	}
}

func TestRedactTranscriptMultipleHits(t *testing.T) {
	in := "Email a@b.co or b@c.io, phone 020 7946 0958."
	got, changed := RedactTranscript(in)
	if !changed {
		t.Fatalf("expected redaction")
	}
	if strings.Contains(got, "@") || strings.Contains(got, "0958") {
		t.Fatalf("PII survived redaction: %q", got)
	}
}
