package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/facts"
)

func TestNewStateDefaults(t *testing.T) {
	s := New()
	assert.Equal(t, SchemaVersion, s.SchemaVersion)
	assert.NotEmpty(t, s.ConversationID)
	assert.Equal(t, PhaseGathering, s.Phase)
	assert.Zero(t, s.TurnCount)
}

func TestRecordTurnAndHistory(t *testing.T) {
	s := New()
	s.RecordTurn("what about churn", "churn needs a cohort definition", "discussed churn", "churn_probe")
	s.RecordTurn("ok makes sense", "noted", "user agreed", "")

	require.Equal(t, 2, s.TurnCount)
	require.Len(t, s.Turns, 2)
	assert.Equal(t, 1, s.Turns[0].Turn)
	assert.Equal(t, "churn_probe", s.Turns[0].ActiveProbe)

	recent := s.RecentTurns(1)
	require.Len(t, recent, 1)
	assert.Equal(t, 2, recent[0].Turn)

	rendered := s.RenderRecentTurns(3)
	assert.Contains(t, rendered, "[Turn 1] User: what about churn")
	assert.Contains(t, rendered, "[Turn 2] Assistant: noted")
}

func TestProbeAndPatternDedup(t *testing.T) {
	s := New()
	s.RecordProbeFired("churn_probe", "user confirmed churn is involuntary")
	s.RecordProbeFired("churn_probe", "duplicate firing")
	s.RecordTurn("u", "a", "", "")
	s.RecordProbeFired("metric_probe", "")
	s.RecordPatternFired("survivorship", "evidence drawn only from current customers")
	s.RecordPatternFired("survivorship", "duplicate firing")
	s.RecordProbeFired("", "no name")

	require.Len(t, s.Routing.ProbesFired, 2)
	assert.Equal(t, GuidanceEvent{Name: "churn_probe", Note: "user confirmed churn is involuntary", Turn: 1}, s.Routing.ProbesFired[0])
	assert.Equal(t, GuidanceEvent{Name: "metric_probe", Turn: 2}, s.Routing.ProbesFired[1])

	require.Len(t, s.Routing.PatternsFired, 1)
	assert.Equal(t, "evidence drawn only from current customers", s.Routing.PatternsFired[0].Note)
	assert.Equal(t, "metric_probe", s.ActiveProbe())
}

func TestRenderRoutingContextIncludesNotes(t *testing.T) {
	s := New()
	s.RecordProbeFired("churn_probe", "voluntary vs involuntary unresolved")
	s.RecordPatternFired("survivorship", "only current customers surveyed")

	rendered := s.RenderRoutingContext()
	assert.Contains(t, rendered, "churn_probe (turn 1): voluntary vs involuntary unresolved")
	assert.Contains(t, rendered, "survivorship (turn 1): only current customers surveyed")
}

func TestModeTransitions(t *testing.T) {
	s := New()
	s.EnterMode(ModeDiscovery)
	assert.Equal(t, PhaseModeActive, s.Phase)
	assert.Equal(t, ModeDiscovery, s.ActiveMode)

	s.CompleteMode()
	assert.Equal(t, PhaseGathering, s.Phase)
	assert.Empty(t, s.ActiveMode)
}

func TestEnrichmentCap(t *testing.T) {
	s := New()
	for i := 0; i < 3; i++ {
		require.True(t, s.RecordEnrichment("saas", "b2b saas, 50 seats"))
	}
	assert.False(t, s.CanEnrich())
	assert.False(t, s.RecordEnrichment("saas", "fourth rewrite"))
	assert.Equal(t, 3, s.Org.EnrichmentCount)
	assert.Equal(t, "b2b saas, 50 seats", s.Org.Text)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	fs := facts.NewStore()
	_, err = fs.RegisterAssumption(facts.RegisterInput{Claim: "churn is voluntary", Impact: facts.ImpactHigh})
	require.NoError(t, err)

	s := New()
	s.RecordTurn("hello", "hi", "greeting", "")
	s.EnterMode(ModeEvaluation)
	s.Routing.RollingSummary = "one turn in"
	s.RecordProbeFired("churn_probe", "completion criteria met")
	s.Facts = fs.Snapshot()
	require.NoError(t, m.Save(s))

	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, s.ConversationID, loaded.ConversationID)
	assert.Equal(t, 1, loaded.TurnCount)
	assert.Equal(t, PhaseModeActive, loaded.Phase)
	assert.Equal(t, ModeEvaluation, loaded.ActiveMode)
	assert.Equal(t, "one turn in", loaded.Routing.RollingSummary)
	require.Len(t, loaded.Routing.ProbesFired, 1)
	assert.Equal(t, GuidanceEvent{Name: "churn_probe", Note: "completion criteria met", Turn: 2}, loaded.Routing.ProbesFired[0])

	restored := facts.NewStore()
	restored.Restore(loaded.Facts)
	a, err := restored.Get("A1")
	require.NoError(t, err)
	assert.Equal(t, "churn is voluntary", a.Claim)

	// The temp file must not survive a successful save.
	entries, err := os.ReadDir(m.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "leftover temp file %s", e.Name())
	}
}

func TestLoadMissingFileStartsFresh(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	s, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, PhaseGathering, s.Phase)
	assert.NotEmpty(t, s.ConversationID)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	// A file from an older schema that only knows a few keys.
	partial := map[string]interface{}{"conversationId": "old-conv", "turnCount": 5}
	data, err := json.Marshal(partial)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(m.StatePath(), data, 0644))

	s, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "old-conv", s.ConversationID)
	assert.Equal(t, 5, s.TurnCount)
	assert.Equal(t, PhaseGathering, s.Phase)
}

func TestOrgContextFile(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	text, err := m.ReadOrgContext()
	require.NoError(t, err)
	assert.Empty(t, text)

	require.NoError(t, m.WriteOrgContext("# Org\n\nMid-market fintech.\n"))
	text, err = m.ReadOrgContext()
	require.NoError(t, err)
	assert.Contains(t, text, "Mid-market fintech")
}

func TestContextWatcherFlagsManualEdit(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	cw, err := NewContextWatcher(m)
	require.NoError(t, err)
	defer cw.Close()

	assert.False(t, cw.Changed())

	require.NoError(t, os.WriteFile(filepath.Join(m.Dir(), "context.md"), []byte("edited by hand"), 0644))
	assert.Eventually(t, cw.Changed, 2*time.Second, 10*time.Millisecond)
	assert.False(t, cw.Changed())

	// Writes to unrelated files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(m.Dir(), "notes.txt"), []byte("x"), 0644))
	time.Sleep(100 * time.Millisecond)
	assert.False(t, cw.Changed())
}
