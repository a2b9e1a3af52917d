package engine

import "testing"

func TestMentionsInjury(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"my knee hurts", true},
		{"Ouch, that's painful!", true},
		{"I feel light-headed", true},
		{"I think I pulled a muscle", true},
		{"my chest is tight", true},
		{"no pain today", false},
		{"it doesn't hurt anymore", false},
		{"painting the fence later", false},
		{"let's keep going", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := mentionsInjury(tt.text); got != tt.want {
			t.Errorf("mentionsInjury(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}
