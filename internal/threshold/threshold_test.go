package threshold

import "testing"

func newTestController() *Controller {
	return New(50, 0.40, 0.90, 0.90)
}

func TestThresholdIncreasesUnderFailures(t *testing.T) {
	c := newTestController()
	if c.SuggestionThreshold() != 0.70 {
		t.Fatalf("expected default 0.70, got %v", c.SuggestionThreshold())
	}

	for i := 0; i < 20; i++ {
		c.Record(Record{Mode: ModeSpeculative, Success: false, Confidence: 0.8})
	}

	got := c.SuggestionThreshold()
	if got <= 0.70 {
		t.Fatalf("expected threshold to strictly increase, got %v", got)
	}
	if got > 0.90 {
		t.Fatalf("expected threshold to stay within max bound, got %v", got)
	}
}

func TestThresholdStaysWithinBoundsUnderRepeatedFailure(t *testing.T) {
	c := newTestController()
	for round := 0; round < 20; round++ {
		for i := 0; i < 20; i++ {
			c.Record(Record{Mode: ModeSpeculative, Success: false})
		}
	}
	got := c.SuggestionThreshold()
	if got < 0.40 || got > 0.90 {
		t.Fatalf("threshold escaped bounds: %v", got)
	}
}

func TestThresholdDecreasesUnderConfidentAcceptedSuggestions(t *testing.T) {
	c := newTestController()
	for i := 0; i < 20; i++ {
		c.Record(Record{Mode: ModeSuggestion, UserAccepted: true, Confidence: 0.95})
	}
	got := c.SuggestionThreshold()
	if got >= 0.70 {
		t.Fatalf("expected threshold to decrease under confident acceptances, got %v", got)
	}
}

func TestNoUpdateBelowMinimumWindow(t *testing.T) {
	c := newTestController()
	for i := 0; i < 15; i++ {
		c.Record(Record{Mode: ModeSpeculative, Success: false})
	}
	if c.SuggestionThreshold() != 0.70 {
		t.Fatalf("expected no update below minimum window, got %v", c.SuggestionThreshold())
	}
}

func TestExplicitThresholdIsFixed(t *testing.T) {
	c := newTestController()
	for i := 0; i < 40; i++ {
		c.Record(Record{Mode: ModeSpeculative, Success: false})
	}
	if c.ExplicitThreshold() != 0.90 {
		t.Fatalf("expected explicit threshold to remain fixed at 0.90, got %v", c.ExplicitThreshold())
	}
}
