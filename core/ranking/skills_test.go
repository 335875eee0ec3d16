package ranking

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegexSkillExtractor(t *testing.T) {
	tests := []struct {
		name  string
		notes string
		want  []string
	}{
		{"empty", "", nil},
		{"tag list", "Skills: Forklift, Crane", []string{"forklift", "crane"}},
		{"must have phrase", "Heavy lifting. Must have a forklift license.", []string{"forklift"}},
		{"requires phrase", "Requires OSHA-10 certification, starts early.", []string{"osha-10"}},
		{"no markers", "General help unloading trucks all day", nil},
		{"dedupes", "Skills: rigging\nMust have rigging certification.", []string{"rigging"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, RegexSkillExtractor{}.Extract(tt.notes))
		})
	}
}
