package liveview

import "testing"

func TestParseBands_Default(t *testing.T) {
	p, err := ParseBands("")
	if err != nil {
		t.Fatalf("ParseBands: %v", err)
	}
	tests := []struct {
		waiting int
		want    string
	}{
		{0, "5-10 min"},
		{1, "10-20 min"},
		{2, "10-20 min"},
		{3, "20-35 min"},
		{4, "20-35 min"},
		{5, "35-50 min"},
		{500, "35-50 min"},
	}
	for _, tt := range tests {
		if got := p.Estimate(tt.waiting); got != tt.want {
			t.Errorf("Estimate(%d) = %q, want %q", tt.waiting, got, tt.want)
		}
	}
}

func TestParseBands_SortsBounds(t *testing.T) {
	p, err := ParseBands("4:c, *:d, 0:a, 2:b")
	if err != nil {
		t.Fatalf("ParseBands: %v", err)
	}
	bands := p.Bands()
	if len(bands) != 4 || bands[0].Label != "a" || bands[2].Label != "c" || !bands[3].Open {
		t.Fatalf("unexpected bands %+v", bands)
	}
}

func TestBandPolicy_Monotonic(t *testing.T) {
	p := MustParseBands("1:short,3:medium,8:long,*:very long")
	rank := map[string]int{"short": 0, "medium": 1, "long": 2, "very long": 3}
	prev := -1
	for w := 0; w < 30; w++ {
		r, ok := rank[p.Estimate(w)]
		if !ok {
			t.Fatalf("Estimate(%d) returned unknown label %q", w, p.Estimate(w))
		}
		if r < prev {
			t.Fatalf("estimate went down at waiting=%d", w)
		}
		prev = r
	}
}

func TestParseBands_Errors(t *testing.T) {
	for _, in := range []string{
		"0:a",
		"x:a,*:b",
		"-1:a,*:b",
		"0:,*:b",
		"*:a,*:b",
		"0:a,0:b,*:c",
		"nocolon,*:b",
	} {
		if _, err := ParseBands(in); err == nil {
			t.Errorf("ParseBands(%q): expected error", in)
		}
	}
}

func TestParsePatientMinutes(t *testing.T) {
	e, err := ParsePatientMinutes("5-8")
	if err != nil || e.MinMinutes != 5 || e.MaxMinutes != 8 {
		t.Fatalf("got %+v, %v", e, err)
	}
	if e, err := ParsePatientMinutes(""); err != nil || e.MinMinutes != 5 {
		t.Fatalf("empty should default, got %+v, %v", e, err)
	}
	for _, in := range []string{"5", "a-b", "8-5", "0-3"} {
		if _, err := ParsePatientMinutes(in); err == nil {
			t.Errorf("ParsePatientMinutes(%q): expected error", in)
		}
	}
}

func TestPatientEstimate(t *testing.T) {
	e := PatientEstimate{MinMinutes: 5, MaxMinutes: 8}
	tests := []struct {
		ahead int
		want  string
	}{
		{-2, "Your turn!"},
		{0, "Your turn!"},
		{1, "2-5 minutes"},
		{3, "15-24 minutes"},
	}
	for _, tt := range tests {
		if got := e.Estimate(tt.ahead); got != tt.want {
			t.Errorf("Estimate(%d) = %q, want %q", tt.ahead, got, tt.want)
		}
	}

	fast := PatientEstimate{MinMinutes: 1, MaxMinutes: 3}
	if got := fast.Estimate(1); got != "1-3 minutes" {
		t.Errorf("got %q", got)
	}
}
