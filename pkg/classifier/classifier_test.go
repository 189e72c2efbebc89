package classifier_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filehive/filehive/pkg/classifier"
	"github.com/filehive/filehive/pkg/types"
)

// pngHeader is a minimal valid PNG signature, enough for content
// sniffing.
var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

func writeFile(t *testing.T, dir, name string, content []byte) types.SourceItem {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	info, err := os.Stat(path)
	require.NoError(t, err)
	return types.SourceItem{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
}

func TestClassify_ByContent(t *testing.T) {
	dir := t.TempDir()
	c := classifier.New()

	// The extension lies; content sniffing must win.
	item := writeFile(t, dir, "photo.dat", pngHeader)
	result := c.Classify(item)

	assert.Equal(t, types.CategoryPictures, result.Category)
	assert.Equal(t, "image/png", result.MimeType)
}

func TestClassify_ByExtensionFallback(t *testing.T) {
	dir := t.TempDir()
	c := classifier.New()

	tests := []struct {
		name string
		want types.Category
	}{
		{"notes.txt", types.CategoryDocuments},
		{"report.pdf", types.CategoryDocuments},
		{"song.mp3", types.CategoryMusic},
		{"clip.mp4", types.CategoryVideos},
		{"bundle.tar", types.CategoryArchives},
		{"IMAGE.JPG", types.CategoryPictures},
	}
	for _, tc := range tests {
		item := writeFile(t, dir, tc.name, []byte("plain text content"))
		result := c.Classify(item)
		assert.Equal(t, tc.want, result.Category, "file %s", tc.name)
	}
}

func TestClassify_UnknownFallsToUncategorized(t *testing.T) {
	dir := t.TempDir()
	c := classifier.New()

	item := writeFile(t, dir, "mystery.qqq", []byte{0x00, 0x01, 0x02, 0x03})
	result := c.Classify(item)

	assert.Equal(t, types.CategoryUncategorized, result.Category)
}

func TestClassify_UnreadableNeverFails(t *testing.T) {
	c := classifier.New()

	item := types.SourceItem{
		Path:    "/nonexistent/path/file.bin",
		ModTime: time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC),
	}
	result := c.Classify(item)

	assert.Equal(t, types.CategoryUncategorized, result.Category)
	assert.Equal(t, "2024-03", result.DateBucket)
}

func TestClassify_DateBucketFromModTime(t *testing.T) {
	dir := t.TempDir()
	c := classifier.New()

	item := writeFile(t, dir, "a.txt", []byte("x"))
	item.ModTime = time.Date(2023, 12, 31, 23, 59, 0, 0, time.UTC)

	result := c.Classify(item)
	assert.Equal(t, "2023-12", result.DateBucket)
}

func TestClassify_Deterministic(t *testing.T) {
	dir := t.TempDir()
	c := classifier.New()

	item := writeFile(t, dir, "photo.png", pngHeader)
	first := c.Classify(item)
	second := c.Classify(item)

	assert.Equal(t, first, second)
}
