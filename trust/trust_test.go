package trust

import "testing"

func TestMemory_NeutralDefault(t *testing.T) {
	m := NewMemory()

	if got := m.Score("stranger"); got != NeutralScore {
		t.Errorf("Score(unknown) = %v, want %v", got, NeutralScore)
	}
}

func TestMemory_SetScore(t *testing.T) {
	m := NewMemory()

	m.SetScore("agent-1", 0.9)
	if got := m.Score("agent-1"); got != 0.9 {
		t.Errorf("Score = %v, want 0.9", got)
	}
}

func TestMemory_SetScoreClamped(t *testing.T) {
	m := NewMemory()

	m.SetScore("low", -0.3)
	if got := m.Score("low"); got != 0 {
		t.Errorf("Score = %v, want 0", got)
	}

	m.SetScore("high", 1.7)
	if got := m.Score("high"); got != 1 {
		t.Errorf("Score = %v, want 1", got)
	}
}

func TestMemory_Adjust(t *testing.T) {
	m := NewMemory()

	// Unknown agents adjust from the neutral default.
	if got := m.Adjust("agent-1", 0.2); got != 0.7 {
		t.Errorf("Adjust = %v, want 0.7", got)
	}
	if got := m.Adjust("agent-1", 1.0); got != 1 {
		t.Errorf("Adjust should clamp at 1, got %v", got)
	}
	if got := m.Adjust("agent-1", -2.0); got != 0 {
		t.Errorf("Adjust should clamp at 0, got %v", got)
	}
}

func TestSourceFunc(t *testing.T) {
	var src Source = SourceFunc(func(string) float64 { return 0.25 })
	if got := src.Score("anyone"); got != 0.25 {
		t.Errorf("Score = %v, want 0.25", got)
	}
}
