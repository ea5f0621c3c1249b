// Package trust scores the agents behind capability advertisements.
//
// Scoring is an external concern; the registry only consumes the Source
// interface. The memory implementation exists for wiring and tests.
package trust

import "sync"

// NeutralScore is assigned to agents with no recorded history.
const NeutralScore = 0.5

// Source provides trust scores for agents. Scores are in [0,1].
// Implementations never fail: unknown agents get a neutral default.
type Source interface {
	Score(agentID string) float64
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(agentID string) float64

// Score implements Source.
func (f SourceFunc) Score(agentID string) float64 {
	return f(agentID)
}

// Memory is an in-memory trust source.
type Memory struct {
	mu     sync.RWMutex
	scores map[string]float64
}

// NewMemory creates an empty in-memory trust source.
func NewMemory() *Memory {
	return &Memory{
		scores: make(map[string]float64),
	}
}

// Score returns the recorded score, or NeutralScore for unknown agents.
func (m *Memory) Score(agentID string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if score, ok := m.scores[agentID]; ok {
		return score
	}
	return NeutralScore
}

// SetScore records a score, clamped to [0,1].
func (m *Memory) SetScore(agentID string, score float64) {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	m.mu.Lock()
	m.scores[agentID] = score
	m.mu.Unlock()
}

// Adjust shifts an agent's score by delta, clamped to [0,1].
// Unknown agents start from the neutral default.
func (m *Memory) Adjust(agentID string, delta float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	score, ok := m.scores[agentID]
	if !ok {
		score = NeutralScore
	}
	score += delta
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	m.scores[agentID] = score
	return score
}
