package domain

import "testing"

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0s"},
		{45, "45s"},
		{125, "2m 5s"},
		{3723, "1h 2m 3s"},
		{-5, "0s"},
	}
	for _, tt := range tests {
		if got := FormatDuration(tt.in); got != tt.want {
			t.Errorf("FormatDuration(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseRuleType(t *testing.T) {
	tests := map[string]RuleType{
		"productive":     TypeProductive,
		"non-productive": TypeNonProductive,
		"neutral":        TypeNeutral,
		"":               TypeNeutral,
	}
	for in, want := range tests {
		if got := ParseRuleType(in); got != want {
			t.Errorf("ParseRuleType(%q) = %v, want %v", in, got, want)
		}
		if want != TypeNeutral && ParseRuleType(want.String()) != want {
			t.Errorf("String() of %v does not parse back", want)
		}
	}
}

func TestStickyStatus(t *testing.T) {
	for _, s := range []TaskStatus{StatusReview, StatusCompleted} {
		if !s.Sticky() {
			t.Errorf("%s should be sticky", s)
		}
	}
	for _, s := range []TaskStatus{StatusPending, StatusOnProgress, StatusPaused, StatusNeedReview, StatusNeedRevise} {
		if s.Sticky() {
			t.Errorf("%s should not be sticky", s)
		}
	}
}
