package liveview

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Band maps waiting counts up to and including Max onto Label. The open
// band has Open set and catches everything above the last bounded band.
type Band struct {
	Max   int
	Open  bool
	Label string
}

// BandPolicy turns a doctor's waiting count into a coarse wait label.
// Bands are ordered by Max so the mapping never decreases as the queue
// grows.
type BandPolicy struct {
	bands []Band
}

// DefaultBands is used when no policy string is configured.
const DefaultBands = "0:5-10 min,2:10-20 min,4:20-35 min,*:35-50 min"

// ParseBands reads a policy of the form "0:5-10 min,2:10-20 min,*:35-50 min".
// Each bound is the largest waiting count the label applies to and "*"
// names the open-ended band, which must be present.
func ParseBands(s string) (*BandPolicy, error) {
	if strings.TrimSpace(s) == "" {
		s = DefaultBands
	}
	var (
		bands []Band
		open  *Band
	)
	seen := make(map[int]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		bound, label, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("wait band %q: expected <max>:<label>", part)
		}
		bound, label = strings.TrimSpace(bound), strings.TrimSpace(label)
		if label == "" {
			return nil, fmt.Errorf("wait band %q: empty label", part)
		}
		if bound == "*" {
			if open != nil {
				return nil, fmt.Errorf("wait bands: more than one open band")
			}
			open = &Band{Open: true, Label: label}
			continue
		}
		n, err := strconv.Atoi(bound)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("wait band %q: bound must be a non-negative integer or *", part)
		}
		if seen[n] {
			return nil, fmt.Errorf("wait bands: bound %d given twice", n)
		}
		seen[n] = true
		bands = append(bands, Band{Max: n, Label: label})
	}
	if open == nil {
		return nil, fmt.Errorf("wait bands: missing open band \"*:<label>\"")
	}
	sort.Slice(bands, func(i, j int) bool { return bands[i].Max < bands[j].Max })
	return &BandPolicy{bands: append(bands, *open)}, nil
}

// MustParseBands is ParseBands for policies known to be valid.
func MustParseBands(s string) *BandPolicy {
	p, err := ParseBands(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Estimate implements queue.WaitEstimator.
func (p *BandPolicy) Estimate(waiting int) string {
	for _, b := range p.bands {
		if b.Open || waiting <= b.Max {
			return b.Label
		}
	}
	return ""
}

func (p *BandPolicy) Bands() []Band {
	return append([]Band(nil), p.bands...)
}

// PatientEstimate turns "people ahead of me" into the text shown on the
// patient's own status view.
type PatientEstimate struct {
	MinMinutes int
	MaxMinutes int
}

// ParsePatientMinutes reads a "min-max" minutes-per-person pair such as "5-8".
func ParsePatientMinutes(s string) (PatientEstimate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PatientEstimate{MinMinutes: 5, MaxMinutes: 8}, nil
	}
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return PatientEstimate{}, fmt.Errorf("patient minutes %q: expected <min>-<max>", s)
	}
	minM, err1 := strconv.Atoi(strings.TrimSpace(lo))
	maxM, err2 := strconv.Atoi(strings.TrimSpace(hi))
	if err1 != nil || err2 != nil || minM <= 0 || maxM < minM {
		return PatientEstimate{}, fmt.Errorf("patient minutes %q: need 0 < min <= max", s)
	}
	return PatientEstimate{MinMinutes: minM, MaxMinutes: maxM}, nil
}

func (e PatientEstimate) Estimate(ahead int) string {
	switch {
	case ahead <= 0:
		return "Your turn!"
	case ahead == 1 && e.MinMinutes > 2:
		// the next patient is usually already wrapping up
		return fmt.Sprintf("2-%d minutes", e.MinMinutes)
	}
	return fmt.Sprintf("%d-%d minutes", ahead*e.MinMinutes, ahead*e.MaxMinutes)
}
