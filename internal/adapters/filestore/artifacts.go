package filestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/manthysbr/scribed/internal/core/domain"
	"github.com/manthysbr/scribed/internal/core/ports"
)

const artifactTimeLayout = "20060102_150405"

// ArtifactStore writes transcripts and summaries as text files and serves
// the transcript cache from the same directory.
type ArtifactStore struct {
	transcripts string
	summaries   string
	now         func() time.Time
}

var _ ports.ArtifactStore = (*ArtifactStore)(nil)

func NewArtifactStore(root string) (*ArtifactStore, error) {
	s := &ArtifactStore{
		transcripts: filepath.Join(root, "transcripts"),
		summaries:   filepath.Join(root, "summaries"),
		now:         time.Now,
	}
	for _, dir := range []string{s.transcripts, s.summaries} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return s, nil
}

func (s *ArtifactStore) dir(kind ports.ArtifactKind) string {
	if kind == ports.ArtifactSummary {
		return s.summaries
	}
	return s.transcripts
}

// FindCached returns the newest transcript for videoID. File names start
// with a sortable timestamp, so the last match by name is the newest.
func (s *ArtifactStore) FindCached(videoID string) (string, string, bool, error) {
	matches, err := filepath.Glob(filepath.Join(s.transcripts, "*_"+videoID+"_*.txt"))
	if err != nil {
		return "", "", false, fmt.Errorf("failed to scan transcripts: %w", err)
	}
	if len(matches) == 0 {
		return "", "", false, nil
	}
	sort.Strings(matches)
	path := matches[len(matches)-1]

	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", false, fmt.Errorf("failed to read cached transcript: %w", err)
	}
	return path, string(data), true, nil
}

func (s *ArtifactStore) Save(kind ports.ArtifactKind, videoID, title, content string) (string, error) {
	name := fmt.Sprintf("%s_%s_%s.txt", s.now().Format(artifactTimeLayout), videoID, domain.Slugify(title))
	path := filepath.Join(s.dir(kind), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to save %s: %w", kind, err)
	}
	return path, nil
}
