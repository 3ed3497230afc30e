package lookup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// ReplaySession serves pages previously saved as diagnostic dumps, so a
// resolution can be rerun offline against the exact markup an authority
// returned
type ReplaySession struct {
	dir string
}

// NewReplaySession reads dumps from dir
func NewReplaySession(dir string) *ReplaySession {
	return &ReplaySession{dir: dir}
}

// Fetch implements Session
func (r *ReplaySession) Fetch(ctx context.Context, src Source, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransport, err)
	}
	path := filepath.Join(r.dir, DumpName(src.Name, key))
	slog.Info("Replaying dump", "source", src.Name, "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: reading dump: %w", ErrTransport, err)
	}
	return string(data), nil
}

// Reset implements Session
func (r *ReplaySession) Reset(context.Context) error {
	return nil
}
