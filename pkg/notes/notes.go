// Package notes appends human-readable organization notes into
// destination folders. Notes are advisory output for the external
// summary generator; they are written only for committed placements
// and never participate in engine invariants.
package notes

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const FileName = "organization_note.txt"

type Writer struct {
	now func() time.Time
}

func NewWriter() *Writer {
	return &Writer{now: time.Now}
}

// Append records one organized file in the folder's note file.
func (w *Writer) Append(folder, originalName, storedName, mimeType string) error {
	notePath := filepath.Join(folder, FileName)
	f, err := os.OpenFile(notePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open note %s: %w", notePath, err)
	}
	defer f.Close()

	line := fmt.Sprintf("%s - Moved %s as %s [%s]\n",
		w.now().Format(time.RFC3339), originalName, storedName, mimeType)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("append note %s: %w", notePath, err)
	}
	return nil
}
