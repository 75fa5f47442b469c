package reference

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/imaistudio/orchestrator/internal/history"
	"github.com/imaistudio/orchestrator/internal/models"
)

func turn(id string, role history.TurnRole, text string, at time.Time, artifacts ...models.ArtifactRef) history.Turn {
	return history.Turn{ID: id, Role: role, Text: text, Timestamp: at, ProducedArtifacts: artifacts}
}

func TestResolveLatestAssistantArtifact(t *testing.T) {
	r := New(Config{}, zaptest.NewLogger(t))
	base := time.Now()

	turns := []history.Turn{
		turn("t1", history.RoleUser, "make a vase", base),
		turn("t2", history.RoleAssistant, "done", base.Add(time.Second),
			models.ArtifactRef{URI: "https://cdn.example.com/a/vase.png", Type: models.MediaImage}),
	}

	resolved := r.Resolve(nil, turns, "make it bigger")
	require.False(t, resolved.Empty())
	primary, ok := resolved.Primary()
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example.com/a/vase.png", primary.URI)
}

func TestResolveEmptyHistoryDegradesGracefully(t *testing.T) {
	r := New(Config{}, zaptest.NewLogger(t))
	resolved := r.Resolve(nil, nil, "make it bigger")
	assert.True(t, resolved.Empty())
}

func TestResolveTimestampWindow(t *testing.T) {
	r := New(Config{Window: 30 * time.Second}, zaptest.NewLogger(t))
	base := time.Now()

	turns := []history.Turn{
		turn("t1", history.RoleUser, "first", base),
		turn("t2", history.RoleAssistant, "ok", base.Add(2*time.Second),
			models.ArtifactRef{URI: "https://cdn.example.com/a/first.png"}),
		turn("t3", history.RoleUser, "second", base.Add(5*time.Minute)),
		turn("t4", history.RoleAssistant, "ok", base.Add(5*time.Minute+2*time.Second),
			models.ArtifactRef{URI: "https://cdn.example.com/a/second.png"}),
	}

	ts := base.Add(3 * time.Second) // within 30s of t1, far from t3
	resolved := r.Resolve(&models.ReferencePointer{Timestamp: &ts}, turns, "")
	require.False(t, resolved.Empty())
	primary, _ := resolved.Primary()
	assert.Equal(t, "https://cdn.example.com/a/first.png", primary.URI)
}

func TestResolvePointerOutsideWindow(t *testing.T) {
	r := New(Config{Window: 30 * time.Second}, zaptest.NewLogger(t))
	base := time.Now()

	turns := []history.Turn{
		turn("t1", history.RoleUser, "first", base),
		turn("t2", history.RoleAssistant, "ok", base.Add(time.Second),
			models.ArtifactRef{URI: "https://cdn.example.com/a/first.png"}),
	}

	ts := base.Add(10 * time.Minute)
	resolved := r.Resolve(&models.ReferencePointer{Timestamp: &ts}, turns, "")
	// The pointer misses, but the latest-artifact fallback still applies.
	require.False(t, resolved.Empty())
}

func TestResolveBackReferenceWalk(t *testing.T) {
	r := New(Config{}, zaptest.NewLogger(t))
	base := time.Now()

	turns := []history.Turn{
		turn("t1", history.RoleUser, "make a mug", base),
		turn("t2", history.RoleAssistant, "here is the mug", base.Add(time.Second),
			models.ArtifactRef{URI: "https://cdn.example.com/a/mug.png"}),
		turn("t3", history.RoleUser, "nice", base.Add(2*time.Second)),
		turn("t4", history.RoleAssistant, "thanks", base.Add(3*time.Second)),
		turn("t5", history.RoleUser, "change it", base.Add(4*time.Second)),
	}

	resolved := r.Resolve(&models.ReferencePointer{ID: "t5", Text: "change it"}, turns, "change it")
	require.False(t, resolved.Empty())
	primary, _ := resolved.Primary()
	assert.Equal(t, "https://cdn.example.com/a/mug.png", primary.URI)
	assert.LessOrEqual(t, resolved.HopCount, 10)
}

func TestResolveCycleTerminatesWithinHopBound(t *testing.T) {
	r := New(Config{MaxHops: 10}, zaptest.NewLogger(t))
	base := time.Now()

	// Every assistant turn re-mentions "it", chaining all the way back, and
	// the same artifact URI recurs across turns.
	var turns []history.Turn
	for i := 0; i < 30; i++ {
		turns = append(turns,
			turn(fmt.Sprintf("u%d", i), history.RoleUser, "change it again", base.Add(time.Duration(2*i)*time.Second)),
			turn(fmt.Sprintf("a%d", i), history.RoleAssistant, "tweaked it",
				base.Add(time.Duration(2*i+1)*time.Second),
				models.ArtifactRef{URI: fmt.Sprintf("https://cdn.example.com/a/%d.png", i%3)}),
		)
	}

	resolved := r.Resolve(nil, turns, "change the colors")
	require.False(t, resolved.Empty())
	assert.LessOrEqual(t, resolved.HopCount, 10, "walk must respect the hop bound")

	seen := map[string]int{}
	for _, a := range resolved.Artifacts {
		seen[a.URI]++
	}
	for uri, count := range seen {
		assert.Equal(t, 1, count, "artifact %s visited twice", uri)
	}
}

func TestResolvePrefersVideoForVideoOperation(t *testing.T) {
	r := New(Config{}, zaptest.NewLogger(t))
	base := time.Now()

	turns := []history.Turn{
		turn("t1", history.RoleAssistant, "clip ready", base,
			models.ArtifactRef{URI: "https://cdn.example.com/videos/spin.mp4", Type: models.MediaVideo}),
		turn("t2", history.RoleAssistant, "image ready", base.Add(time.Minute),
			models.ArtifactRef{URI: "https://cdn.example.com/a/still.png", Type: models.MediaImage}),
	}

	resolved := r.Resolve(nil, turns, "trim the clip to five seconds")
	require.False(t, resolved.Empty())
	primary, _ := resolved.Primary()
	assert.Equal(t, models.MediaVideo, primary.Type)

	// Without a video signal the newer image wins.
	resolved = r.Resolve(nil, turns, "brighten the colors")
	primary, _ = resolved.Primary()
	assert.Equal(t, models.MediaImage, primary.Type)
}

func TestResolveURIPatternFallback(t *testing.T) {
	r := New(Config{}, zaptest.NewLogger(t))
	base := time.Now()

	// Legacy turn with no structured artifacts; URI only in free text.
	turns := []history.Turn{
		turn("t1", history.RoleAssistant, "saved to https://cdn.example.com/a/old.png for you", base),
	}

	resolved := r.Resolve(nil, turns, "make it red")
	require.False(t, resolved.Empty())
	primary, _ := resolved.Primary()
	assert.Equal(t, "https://cdn.example.com/a/old.png", primary.URI)
}

func TestResolveInheritedRoleHints(t *testing.T) {
	r := New(Config{}, zaptest.NewLogger(t))
	base := time.Now()

	turns := []history.Turn{
		{
			ID: "t1", Role: history.RoleUser, Text: "compose these", Timestamp: base,
			InputMediaRefs: []string{"product_vase_01", "color_terracotta"},
		},
		turn("t2", history.RoleAssistant, "composed", base.Add(time.Second),
			models.ArtifactRef{URI: "https://cdn.example.com/a/out.png"}),
	}

	resolved := r.Resolve(&models.ReferencePointer{ID: "t1"}, turns, "")
	require.False(t, resolved.Empty())
	assert.Equal(t, "product_vase_01", resolved.InheritedRoleHints[models.RoleProduct])
	assert.Equal(t, "color_terracotta", resolved.InheritedRoleHints[models.RoleColor])
}
