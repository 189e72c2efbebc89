// Package classifier maps a source item to a category and date bucket.
// Classification is a pure function of the item's extension, sniffed
// content type and modification time; it reads the file but never
// modifies anything, and it never fails a batch: anything ambiguous
// lands in Uncategorized.
package classifier

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"

	fhtypes "github.com/filehive/filehive/pkg/types"
)

// sniffSize is how much of the file head is read for type detection.
// filetype only needs the first few hundred bytes for its matchers.
const sniffSize = 8192

const dateBucketLayout = "2006-01"

type Classifier struct{}

func New() *Classifier {
	return &Classifier{}
}

// Classify returns the classification for one item. It is
// deterministic for a given (path, content, mod time) and returns
// CategoryUncategorized instead of an error when content is unreadable
// or the type cannot be decided.
func (c *Classifier) Classify(item fhtypes.SourceItem) fhtypes.ClassificationResult {
	result := fhtypes.ClassificationResult{
		Category:   fhtypes.CategoryUncategorized,
		DateBucket: item.ModTime.UTC().Format(dateBucketLayout),
	}

	kind := c.sniff(item.Path)
	if kind != types.Unknown {
		result.MimeType = kind.MIME.Value
		result.Category = categoryForType(kind)
	}

	if result.Category == fhtypes.CategoryUncategorized {
		// Content sniffing covers binary formats; plain text formats
		// and anything unreadable fall back to the extension.
		if cat, ok := categoryForExtension(item.Path); ok {
			result.Category = cat
		}
	}

	return result
}

func (c *Classifier) sniff(path string) types.Type {
	f, err := os.Open(path)
	if err != nil {
		return types.Unknown
	}
	defer f.Close()

	buf := make([]byte, sniffSize)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return types.Unknown
	}

	kind, err := filetype.Match(buf[:n])
	if err != nil {
		return types.Unknown
	}
	return kind
}

func categoryForType(kind types.Type) fhtypes.Category {
	mime := kind.MIME.Value
	switch {
	case strings.HasPrefix(mime, "image/"):
		return fhtypes.CategoryPictures
	case strings.HasPrefix(mime, "video/"):
		return fhtypes.CategoryVideos
	case strings.HasPrefix(mime, "audio/"):
		return fhtypes.CategoryMusic
	}

	switch kind.Extension {
	case "pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "rtf", "odt", "ods", "odp", "epub":
		return fhtypes.CategoryDocuments
	case "zip", "tar", "gz", "bz2", "rar", "7z", "xz", "zst":
		return fhtypes.CategoryArchives
	}

	return fhtypes.CategoryUncategorized
}

func categoryForExtension(path string) (fhtypes.Category, bool) {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	switch ext {
	case "jpg", "jpeg", "png", "gif", "bmp", "webp", "tif", "tiff", "heic", "svg":
		return fhtypes.CategoryPictures, true
	case "mp4", "mkv", "avi", "mov", "wmv", "webm", "m4v":
		return fhtypes.CategoryVideos, true
	case "mp3", "flac", "wav", "aac", "ogg", "m4a", "wma":
		return fhtypes.CategoryMusic, true
	case "pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx", "txt", "md", "rtf", "odt", "ods", "odp", "csv", "epub":
		return fhtypes.CategoryDocuments, true
	case "zip", "tar", "gz", "bz2", "rar", "7z", "xz", "zst", "lzma":
		return fhtypes.CategoryArchives, true
	}
	return fhtypes.CategoryUncategorized, false
}
