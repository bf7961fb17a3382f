package ident

import (
	"strings"
	"testing"
)

func TestNormalizeDOI(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{"bare", "10.1145/3442188.3445922", "10.1145/3442188.3445922", true},
		{"https prefix", "https://doi.org/10.1145/3442188.3445922", "10.1145/3442188.3445922", true},
		{"http dx prefix", "http://dx.doi.org/10.1038/nature12373", "10.1038/nature12373", true},
		{"doi colon prefix", "doi:10.1000/182", "10.1000/182", true},
		{"uppercase registrant suffix", "10.1145/ABC.Def", "10.1145/abc.def", true},
		{"surrounding whitespace", "  10.1000/182  ", "10.1000/182", true},
		{"missing slash", "10.1145", "", false},
		{"not a doi", "hello world", "", false},
		{"registrant not numeric", "10.abc/xyz", "", false},
		{"empty", "", "", false},
		{"bare url", "https://doi.org/", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizeDOI(tt.input)
			if ok != tt.ok {
				t.Fatalf("NormalizeDOI(%q) ok = %v, want %v", tt.input, ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("NormalizeDOI(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeDOIIdempotent(t *testing.T) {
	inputs := []string{
		"https://doi.org/10.1145/3442188.3445922",
		"DOI:10.1000/182",
		"10.1038/NATURE12373",
	}
	for _, in := range inputs {
		first, ok := NormalizeDOI(in)
		if !ok {
			t.Fatalf("NormalizeDOI(%q) unexpectedly rejected", in)
		}
		second, ok := NormalizeDOI(first)
		if !ok || second != first {
			t.Errorf("normalization not idempotent: %q -> %q -> %q", in, first, second)
		}
	}
}

func TestNormalizeArxivID(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"new style", "2103.12345", "2103.12345"},
		{"new style versioned", "1706.03762v5", "1706.03762"},
		{"multi digit version", "1706.03762v12", "1706.03762"},
		{"prefixed", "arXiv:1706.03762v1", "1706.03762"},
		{"prefix case insensitive", "ARXIV:2103.12345", "2103.12345"},
		{"old style", "hep-th/9901001", "hep-th/9901001"},
		{"old style versioned", "hep-th/9901001v2", "hep-th/9901001"},
		{"uppercase category", "HEP-TH/9901001", "hep-th/9901001"},
		{"empty", "", ""},
		{"whitespace only", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeArxivID(tt.input); got != tt.want {
				t.Errorf("NormalizeArxivID(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeArxivIDIdempotent(t *testing.T) {
	for _, in := range []string{"arXiv:1706.03762v5", "hep-th/9901001v2", "2103.12345"} {
		first := NormalizeArxivID(in)
		if second := NormalizeArxivID(first); second != first {
			t.Errorf("normalization not idempotent: %q -> %q -> %q", in, first, second)
		}
	}
}

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"punctuation stripped", "Deep Learning for Image Classification.", "deep learning for image classification"},
		{"colon and casing", "Attention Is All You Need: A Survey", "attention is all you need a survey"},
		{"whitespace collapsed", "deep  learning\tfor\nimage   classification", "deep learning for image classification"},
		{"unicode kept", "Über Netze", "über netze"},
		{"digits kept", "GPT-3 at scale", "gpt3 at scale"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeTitle(tt.input); got != tt.want {
				t.Errorf("NormalizeTitle(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestTitleHashStable(t *testing.T) {
	a := TitleHash("Deep Learning for Image Classification.")
	b := TitleHash("deep   learning for image classification")
	if a != b {
		t.Errorf("equivalent titles hash differently: %s vs %s", a, b)
	}
	if len(a) != 16 {
		t.Errorf("expected 16 hex chars (64 bits), got %d: %s", len(a), a)
	}
	if c := TitleHash("A Different Title Entirely"); c == a {
		t.Errorf("distinct titles collided: %s", c)
	}
}

func TestSurnameOf(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Jane Q. Public", "public"},
		{"Public, Jane", "public"},
		{"Madonna", "madonna"},
		{"  Ada   Lovelace  ", "lovelace"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := SurnameOf(tt.input); got != tt.want {
			t.Errorf("SurnameOf(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestDerivePaperID(t *testing.T) {
	t.Run("doi wins", func(t *testing.T) {
		id, err := DerivePaperID("https://doi.org/10.1000/182", "1706.03762", "Some Title", 2020, "Public")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id != "doi:10.1000/182" {
			t.Errorf("got %q, want doi-derived id", id)
		}
	})

	t.Run("arxiv fallback", func(t *testing.T) {
		id, err := DerivePaperID("", "arXiv:1706.03762v5", "Some Title", 2020, "Public")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id != "arxiv:1706.03762" {
			t.Errorf("got %q, want arxiv-derived id", id)
		}
	})

	t.Run("title fallback", func(t *testing.T) {
		id, err := DerivePaperID("", "", "Deep Learning for Image Classification", 2020, "Jane Public")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !strings.HasPrefix(id, "title:") || !strings.HasSuffix(id, ":2020:public") {
			t.Errorf("unexpected title-derived id %q", id)
		}
	})

	t.Run("deterministic", func(t *testing.T) {
		a, _ := DerivePaperID("", "", "Deep Learning.", 2020, "Public")
		b, _ := DerivePaperID("", "", "deep learning", 2020, "Public")
		if a != b {
			t.Errorf("equivalent inputs derived different ids: %q vs %q", a, b)
		}
	})

	t.Run("nothing to derive from", func(t *testing.T) {
		if _, err := DerivePaperID("", "", "", 0, ""); err == nil {
			t.Error("expected error for record with no identifiers")
		}
	})

	t.Run("invalid doi falls through", func(t *testing.T) {
		id, err := DerivePaperID("not-a-doi", "2103.12345", "t", 0, "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id != "arxiv:2103.12345" {
			t.Errorf("got %q, want arxiv fallback", id)
		}
	})
}
