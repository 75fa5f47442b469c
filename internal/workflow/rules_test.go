package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testRules = `
rules:
  - operation: upscale
    endpoint: /v1/enhance
    phrases: ["upscale", "sharpen"]
    confidence: 0.92
    priority: 80
    safe_to_bypass: true
    requires_files: true
  - operation: remove_background
    endpoint: /v1/background/remove
    phrases: ["remove the background"]
    confidence: 0.95
    priority: 90
    safe_to_bypass: true
    requires_files: true
  - operation: trim_video
    endpoint: /v1/video/trim
    phrases: ["trim"]
    confidence: 0.9
    priority: 75
    safe_to_bypass: true
    requires_video: true
fresh_generation_phrases: ["from scratch", "start over"]
`

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func testMatcher(t *testing.T) *Matcher {
	t.Helper()
	rs, err := LoadRules(writeRules(t, testRules))
	require.NoError(t, err)
	return NewMatcher(rs, zaptest.NewLogger(t))
}

func TestLoadRulesSortsByPriority(t *testing.T) {
	rs, err := LoadRules(writeRules(t, testRules))
	require.NoError(t, err)
	require.Len(t, rs.Rules, 3)
	assert.Equal(t, "remove_background", rs.Rules[0].Operation)
	assert.Equal(t, []string{"from scratch", "start over"}, rs.FreshGenerationPhrases)
}

func TestLoadRulesRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"empty":          `rules: []`,
		"no phrases":     "rules:\n  - operation: x\n    phrases: []\n",
		"bad confidence": "rules:\n  - operation: x\n    phrases: [\"y\"]\n    confidence: 1.5\n",
		"not yaml":       `{{{`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, ValidateRulesFile(writeRules(t, content)))
		})
	}
}

func TestMatcherPriorityOrder(t *testing.T) {
	m := testMatcher(t)

	// Hits both the upscale and background rules; the higher priority wins.
	c, ok := m.Match("upscale after you remove the background", MatchContext{})
	require.True(t, ok)
	assert.Equal(t, "remove_background", c.Decision.TargetOperation)
	assert.True(t, c.SafeToBypass)
}

func TestMatcherVideoGating(t *testing.T) {
	m := testMatcher(t)

	_, ok := m.Match("trim it down", MatchContext{ReferenceIsVideo: false})
	assert.False(t, ok, "video-only rule must not fire on an image reference")

	c, ok := m.Match("trim it down", MatchContext{ReferenceIsVideo: true})
	require.True(t, ok)
	assert.Equal(t, "trim_video", c.Decision.TargetOperation)
}

func TestMatcherMultipleHitsRaiseConfidence(t *testing.T) {
	m := testMatcher(t)

	one, ok := m.Match("upscale this", MatchContext{})
	require.True(t, ok)
	two, ok := m.Match("upscale and sharpen this", MatchContext{})
	require.True(t, ok)
	assert.Greater(t, two.Decision.Confidence, one.Decision.Confidence)
	assert.LessOrEqual(t, two.Decision.Confidence, 0.99)
}

func TestMatcherNoHit(t *testing.T) {
	m := testMatcher(t)
	_, ok := m.Match("paint me a sunset", MatchContext{})
	assert.False(t, ok)
}

func TestMatcherReload(t *testing.T) {
	path := writeRules(t, testRules)
	rs, err := LoadRules(path)
	require.NoError(t, err)
	m := NewMatcher(rs, zaptest.NewLogger(t))

	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - operation: glow
    endpoint: /v1/lighting
    phrases: ["glow"]
    confidence: 0.9
    priority: 10
    safe_to_bypass: true
`), 0o644))
	require.NoError(t, m.Reload(path))

	_, ok := m.Match("upscale this", MatchContext{})
	assert.False(t, ok, "old rules must be gone after reload")
	c, ok := m.Match("add a glow", MatchContext{})
	require.True(t, ok)
	assert.Equal(t, "glow", c.Decision.TargetOperation)
}

func TestMatcherReloadKeepsOldRulesOnError(t *testing.T) {
	path := writeRules(t, testRules)
	rs, err := LoadRules(path)
	require.NoError(t, err)
	m := NewMatcher(rs, zaptest.NewLogger(t))

	require.NoError(t, os.WriteFile(path, []byte(`rules: []`), 0o644))
	require.Error(t, m.Reload(path))

	_, ok := m.Match("upscale this", MatchContext{})
	assert.True(t, ok, "failed reload must leave the previous rules active")
}

func TestPrefersFreshGeneration(t *testing.T) {
	m := testMatcher(t)
	assert.True(t, m.PrefersFreshGeneration("let's start over with a blue one"))
	assert.False(t, m.PrefersFreshGeneration("make it a bit taller"))
}
