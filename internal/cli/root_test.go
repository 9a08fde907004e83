package cli

import (
	"reflect"
	"testing"
)

func TestMergeTools(t *testing.T) {
	tests := []struct {
		name       string
		configured []string
		fromSkills []string
		want       []string
	}{
		{
			name:       "no skills",
			configured: []string{"Bash", "Read"},
			want:       []string{"Bash", "Read"},
		},
		{
			name:       "skills add new tools",
			configured: []string{"Bash"},
			fromSkills: []string{"WebFetch", "Bash"},
			want:       []string{"Bash", "WebFetch"},
		},
		{
			name:       "empty config",
			fromSkills: []string{"Read"},
			want:       []string{"Read"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeTools(tt.configured, tt.fromSkills)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("mergeTools() = %v, want %v", got, tt.want)
			}
		})
	}
}
