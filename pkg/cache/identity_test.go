package cache

import (
	"testing"
	"time"
)

func TestNormalizeQuery(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Machine Learning", "machine learning"},
		{"  federated   LEARNING  ", "federated learning"},
		{"privacy\tpreserving\nml", "privacy preserving ml"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizeQuery(tt.input); got != tt.expected {
			t.Errorf("NormalizeQuery(%q) = %q, expected %q", tt.input, got, tt.expected)
		}
	}
}

func TestQueryIDDeterministic(t *testing.T) {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)

	a := QueryID("openalex", "federated learning", start, end, 100, "{}")
	b := QueryID("openalex", "federated learning", start, end, 100, "{}")
	if a != b {
		t.Errorf("Expected identical ids for identical parameters, got %s and %s", a, b)
	}
	if len(a) != queryIDLength {
		t.Errorf("Expected id length %d, got %d", queryIDLength, len(a))
	}
}

func TestQueryIDNormalizesQueryText(t *testing.T) {
	a := QueryID("openalex", "Federated  Learning", time.Time{}, time.Time{}, 100, "{}")
	b := QueryID("openalex", "federated learning", time.Time{}, time.Time{}, 100, "{}")
	if a != b {
		t.Errorf("Expected case and spacing differences to hash identically, got %s and %s", a, b)
	}
}

func TestQueryIDSensitivity(t *testing.T) {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	base := QueryID("openalex", "federated learning", start, end, 100, "{}")

	variants := map[string]string{
		"source": QueryID("crossref", "federated learning", start, end, 100, "{}"),
		"query":  QueryID("openalex", "federated learning privacy", start, end, 100, "{}"),
		"start":  QueryID("openalex", "federated learning", start.AddDate(0, 0, 1), end, 100, "{}"),
		"end":    QueryID("openalex", "federated learning", start, end.AddDate(0, 0, 1), 100, "{}"),
		"limit":  QueryID("openalex", "federated learning", start, end, 200, "{}"),
		"config": QueryID("openalex", "federated learning", start, end, 100, `{"page_size":50}`),
	}
	for field, id := range variants {
		if id == base {
			t.Errorf("Expected changing %s to change the query id", field)
		}
	}
}

func TestFormatDate(t *testing.T) {
	if got := FormatDate(time.Time{}); got != "" {
		t.Errorf("Expected empty string for zero time, got %q", got)
	}
	d := time.Date(2021, 6, 15, 10, 30, 0, 0, time.UTC)
	if got := FormatDate(d); got != "2021-06-15" {
		t.Errorf("Expected 2021-06-15, got %q", got)
	}
}
