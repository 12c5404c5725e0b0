package pathlock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOverlaps(t *testing.T) {
	assert.True(t, Overlaps("tables/A/", "tables/A/B/T1.yaml"))
	assert.True(t, Overlaps("tables/A/B/T1.yaml", "tables/A/"))
	assert.True(t, Overlaps("users/", "users/"))
	assert.False(t, Overlaps("tables/A/", "tables/AB/T1.yaml"))
	assert.False(t, Overlaps("tables/A.yaml", "tables/A.yaml.bak"))
	assert.True(t, Overlaps("tables/[x]/", "tables/[x]/T.yaml"))
}

func TestOverlaps_ScopesWithGlobMeta(t *testing.T) {
	assert.False(t, Overlaps("tables/[x]/", "tables/x/T.yaml"))
	assert.False(t, Overlaps("tables/*/", "tables/A/T.yaml"))
	assert.True(t, Overlaps("tables/*/", "tables/*/T.yaml"))
	assert.False(t, Overlaps("tables/{a,b}/", "tables/a/T.yaml"))
	assert.True(t, Overlaps("tables/a?b/", "tables/a?b/c/T.yaml"))
	assert.False(t, Overlaps("tables/a?b/", "tables/axb/T.yaml"))
}

func TestEscapeMeta(t *testing.T) {
	assert.Equal(t, `a\*b\[c\]`, escapeMeta("a*b[c]"))
	assert.Equal(t, "plain/path/", escapeMeta("plain/path/"))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "tables/A/", Normalize("/tables//A/"))
	assert.Equal(t, "tables/T.yaml", Normalize("tables/./T.yaml"))
	assert.Equal(t, "", Normalize("/"))
}

func TestSet_ExcludesOverlappingHolders(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Lock(ctx, "tables/A/"))

	acquired := make(chan struct{})
	go func() {
		if err := s.Lock(ctx, "types/X.yaml", "tables/A/T1.yaml"); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("overlapping lock acquired while held")
	case <-time.After(30 * time.Millisecond):
	}
	// Nothing of the waiting set is held while it waits.
	assert.Equal(t, 1, s.Held())

	s.Unlock("tables/A/")
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock not acquired after release")
	}
	assert.Equal(t, 2, s.Held())
}

func TestSet_LockHonorsContext(t *testing.T) {
	s := New()
	require.NoError(t, s.Lock(context.Background(), "users/"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Lock(ctx, "users/u1.yaml")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
