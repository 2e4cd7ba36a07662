package slug

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMake(t *testing.T) {
	tests := []struct {
		name  string
		title string
		want  string
	}{
		{"plain", "Episode42", "Episode42"},
		{"spaces become underscores", "My Great Episode", "My_Great_Episode"},
		{"punctuation becomes dash", "What's Up? Ep. 12!", "What-s_Up-Ep-12"},
		{"separators collapse", "a -- b __ c", "a-b-c"},
		{"leading trailing stripped", "  ---Show--  ", "Show"},
		{"unicode stripped", "Pödcast — épisode", "P-dcast-pisode"},
		{"empty", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Make(tt.title, 0))
		})
	}
}

func TestMakeTruncates(t *testing.T) {
	long := strings.Repeat("a", 200)
	got := Make(long, 0)
	assert.Len(t, got, 80)

	got = Make(long, 16)
	assert.Len(t, got, 16)
}

func TestMakeNoTrailingSeparatorAfterTruncation(t *testing.T) {
	// Truncation lands exactly on a separator; it must be trimmed.
	got := Make("aaaa aaaa", 5)
	assert.Equal(t, "aaaa", got)
}
