package ident

import (
	"strings"
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Time
		wantErr bool
	}{
		{"iso", "2020-05-11", time.Date(2020, 5, 11, 0, 0, 0, 0, time.UTC), false},
		{"slash ymd", "2020/05/11", time.Date(2020, 5, 11, 0, 0, 0, 0, time.UTC), false},
		{"day first dash", "11-05-2020", time.Date(2020, 5, 11, 0, 0, 0, 0, time.UTC), false},
		{"day first slash", "11/05/2020", time.Date(2020, 5, 11, 0, 0, 0, 0, time.UTC), false},
		{"year month", "2020-05", time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC), false},
		{"year only", "2020", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), false},
		{"padded whitespace", " 2020-05-11 ", time.Date(2020, 5, 11, 0, 0, 0, 0, time.UTC), false},
		{"month thirteen", "2020-13-01", time.Time{}, true},
		{"two digit year", "85", time.Time{}, true},
		{"textual month", "May 11, 2020", time.Time{}, true},
		{"unpadded day", "2020-5-1", time.Time{}, true},
		{"empty", "", time.Time{}, true},
		{"timestamp", "2020-05-11T10:00:00Z", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDate(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDate(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil && !got.Equal(tt.want) {
				t.Errorf("ParseDate(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestExtractYear(t *testing.T) {
	if y := ExtractYear(time.Date(1998, 3, 1, 0, 0, 0, 0, time.UTC)); y != 1998 {
		t.Errorf("ExtractYear = %d, want 1998", y)
	}
	if y := ExtractYear(time.Time{}); y != 0 {
		t.Errorf("ExtractYear(zero) = %d, want 0", y)
	}
}

func TestCleanAbstract(t *testing.T) {
	if got := CleanAbstract("  lines\nand\ttabs   collapse  "); got != "lines and tabs collapse" {
		t.Errorf("unexpected cleaned abstract %q", got)
	}

	long := strings.Repeat("a", MaxAbstractRunes+100)
	got := CleanAbstract(long)
	if len([]rune(got)) != MaxAbstractRunes+3 {
		t.Errorf("truncated length = %d, want %d", len([]rune(got)), MaxAbstractRunes+3)
	}
	if !strings.HasSuffix(got, "...") {
		t.Error("truncated abstract should end with ellipsis")
	}

	if got := CleanAbstract(""); got != "" {
		t.Errorf("empty abstract should stay empty, got %q", got)
	}
}
