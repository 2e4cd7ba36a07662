package pipeline

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"soundbite.media/clipsmith/pkg/slug"
)

// Protector is the task-protection surface a session holds a token on.
type Protector interface {
	AddCritical(id string)
	RemoveCritical(id string)
}

// processingSession owns the scratch directory and the protection token
// for one message. Close is idempotent-enough for a single defer.
type processingSession struct {
	id        string
	episodeID string
	workDir   string
	token     string
	protector Protector
	cleanup   bool
}

// newSession creates the scratch directory and registers the session as
// critical so scale-in cannot interrupt it.
func newSession(episodeID, tempRoot string, cleanup bool, protector Protector) (*processingSession, error) {
	id := uuid.NewString()
	pattern := fmt.Sprintf("clipsmith_%s_*", slug.Make(episodeID, 24))
	workDir, err := os.MkdirTemp(tempRoot, pattern)
	if err != nil {
		return nil, fmt.Errorf("create session work dir: %w", err)
	}

	s := &processingSession{
		id:        id,
		episodeID: episodeID,
		workDir:   workDir,
		token:     "episode:" + episodeID + ":" + id[:8],
		protector: protector,
		cleanup:   cleanup,
	}
	if protector != nil {
		protector.AddCritical(s.token)
	}
	slog.Info("processing session started",
		"episode_id", episodeID, "session_id", id, "work_dir", workDir)
	return s, nil
}

// Close releases the protection token and removes the scratch directory.
func (s *processingSession) Close() {
	if s.protector != nil {
		s.protector.RemoveCritical(s.token)
	}
	if s.cleanup {
		if err := os.RemoveAll(s.workDir); err != nil {
			slog.Warn("session work dir cleanup failed",
				"episode_id", s.episodeID, "work_dir", s.workDir, "error", err)
		}
	} else {
		slog.Info("keeping session work dir", "work_dir", s.workDir)
	}
	slog.Info("processing session closed", "episode_id", s.episodeID, "session_id", s.id)
}
