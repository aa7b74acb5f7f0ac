package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGlobMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		s       string
		want    bool
	}{
		{"*.tmp", "cache.tmp", true},
		{"*.tmp", "cache.txt", false},
		{"*.tmp", "dir/cache.tmp", false}, // "*" never crosses a slash
		{"?.txt", "a.txt", true},
		{"?.txt", "ab.txt", false},
		{"**/build", "deep/nested/build", true},
		{"build/**", "build/out/app", true},
		{"**", "anything/at/all", true},
		{"node_modules", "node_modules", true},
		{"node_modules", "node_modules2", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.s, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, globMatch(tt.pattern, tt.s))
		})
	}
}

func TestExcluded_SegmentMatching(t *testing.T) {
	t.Parallel()

	m := NewExcludeMatcher([]ExcludePattern{
		{Path: "/", Globs: []string{"node_modules", "*.log"}},
	})

	// Any segment of the relative path can match.
	assert.True(t, m.Excluded("/sync", "node_modules/pkg/index.js"))
	assert.True(t, m.Excluded("/sync", "app/node_modules/x.js"))
	assert.True(t, m.Excluded("/sync", "logs/app.log"))
	assert.False(t, m.Excluded("/sync", "src/main.go"))
}

func TestExcluded_ScopeFiltering(t *testing.T) {
	t.Parallel()

	m := NewExcludeMatcher([]ExcludePattern{
		{Path: "/home/alice", Globs: []string{"*.bak"}},
	})

	assert.True(t, m.Excluded("/home/alice/docs", "old.bak"))
	assert.False(t, m.Excluded("/home/bob/docs", "old.bak"), "scope must not apply to other roots")
}

func TestExcluded_CachesDecisions(t *testing.T) {
	t.Parallel()

	m := NewExcludeMatcher([]ExcludePattern{{Path: "/", Globs: []string{"*.tmp"}}})

	assert.True(t, m.Excluded("/sync", "a.tmp"))

	m.mu.RLock()
	_, cached := m.cache["/sync\x00a.tmp"]
	m.mu.RUnlock()

	assert.True(t, cached)
}

func TestSetPatterns_InvalidatesCache(t *testing.T) {
	t.Parallel()

	m := NewExcludeMatcher([]ExcludePattern{{Path: "/", Globs: []string{"*.tmp"}}})

	assert.True(t, m.Excluded("/sync", "a.tmp"))

	m.SetPatterns(nil)

	assert.False(t, m.Excluded("/sync", "a.tmp"), "cleared patterns must re-evaluate, not serve the cache")
}
