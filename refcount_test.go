package filehive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filehive/filehive/pkg/contentstore"
)

func TestOrganizeReleasesSkippedReferences(t *testing.T) {
	eng, err := New(Config{
		Paths:      []string{filepath.Join(t.TempDir(), "data")},
		OutputRoot: filepath.Join(t.TempDir(), "organized"),
	})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	t.Cleanup(func() { eng.Close() })

	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "stable.txt")
	require.NoError(t, os.WriteFile(src, []byte("reference counted"), 0o644))

	_, err = eng.Organize(ctx, []string{srcDir})
	require.NoError(t, err)

	// The rerun registers the content again and then skips at plan
	// time; its reference must be dropped again or the count drifts
	// upward and the orphan check can never fire.
	_, err = eng.Organize(ctx, []string{srcDir})
	require.NoError(t, err)

	fp, size, err := contentstore.Fingerprint(src)
	require.NoError(t, err)
	_, refs, ok, err := eng.content.Lookup(fp, size)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, refs, "one placed copy, one reference")
}
