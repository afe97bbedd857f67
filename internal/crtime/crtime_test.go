package crtime

import (
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected time.Time
		wantErr  bool
	}{
		{
			name:     "zero padded",
			input:    "2024-01-02T03:04:05Z",
			expected: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		{
			name:     "unpadded fields",
			input:    "2024-1-2T3:4:5Z",
			expected: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		{
			name:     "mixed padding",
			input:    "2024-11-2T13:4:59Z",
			expected: time.Date(2024, 11, 2, 13, 4, 59, 0, time.UTC),
		},
		{
			name:    "empty",
			input:   "",
			wantErr: true,
		},
		{
			name:    "month out of range",
			input:   "2024-13-01T00:00:00Z",
			wantErr: true,
		},
		{
			name:    "garbage",
			input:   "not-a-date",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) expected error, got %v", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tt.input, err)
			}
			if !got.Equal(tt.expected) {
				t.Errorf("Parse(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	// expiresAt = now + expires_in must survive format/parse within a second.
	now := time.Now().UTC().Truncate(time.Second)
	expires := now.Add(300 * time.Second)

	parsed, err := Parse(Format(expires))
	if err != nil {
		t.Fatalf("round trip parse failed: %v", err)
	}

	diff := parsed.Sub(expires)
	if diff < -time.Second || diff > time.Second {
		t.Errorf("round trip drifted by %v (got %v, want %v)", diff, parsed, expires)
	}
}
