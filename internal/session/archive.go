package session

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/sazonovanton/SirChatalot-sub000/internal/chat"
)

// Archive writes plain-text dumps of deleted conversations.
type Archive struct {
	fs  afero.Fs
	dir string
	now func() time.Time
}

// NewArchive creates an archive writing under dir on fs.
func NewArchive(fs afero.Fs, dir string) *Archive {
	return &Archive{fs: fs, dir: dir, now: time.Now}
}

// Write stores conv as <dir>/<userID>_<timestamp>.txt and returns the path.
func (a *Archive) Write(userID int64, conv chat.Conversation) (string, error) {
	if err := a.fs.MkdirAll(a.dir, 0o755); err != nil {
		return "", fmt.Errorf("create chat log directory: %w", err)
	}
	now := a.now()
	path := filepath.Join(a.dir, fmt.Sprintf("%d_%s.txt", userID, now.UTC().Format("20060102T150405.000")))
	if err := afero.WriteFile(a.fs, path, []byte(conv.Transcript(now)), 0o644); err != nil {
		return "", fmt.Errorf("write chat log: %w", err)
	}
	return path, nil
}
