package engine

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/franksops/hdfsrelay/provider"
)

// Stage owns the local scratch directory that holds one batch at a time.
// It is cleared, never recreated, between batches.
type Stage struct {
	dir string

	// headroom is the free space to keep on the stage volume on top of the
	// batch itself.
	headroom uint64

	// usage reports free bytes on the volume holding dir. Replaced in tests.
	usage func(dir string) (uint64, error)
}

// NewStage creates a Stage for dir.
func NewStage(dir string, headroom uint64) *Stage {
	return &Stage{dir: dir, headroom: headroom, usage: freeBytes}
}

func freeBytes(dir string) (uint64, error) {
	u, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

// Dir returns the stage directory path.
func (s *Stage) Dir() string { return s.dir }

// Ensure creates the stage directory if it does not exist.
func (s *Stage) Ensure() error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return stageError("ensure", err)
	}
	return nil
}

// Clear removes everything inside the stage directory. It is safe to call on
// an empty or missing directory.
func (s *Stage) Clear() error {
	if err := provider.RemoveContents(s.dir); err != nil {
		return stageError("clear", err)
	}
	return nil
}

// Reserve fails if the stage volume cannot hold size more bytes plus the
// configured headroom.
func (s *Stage) Reserve(size uint64) error {
	free, err := s.usage(s.dir)
	if err != nil {
		return stageError("reserve", fmt.Errorf("failed to read free space of %s: %w", s.dir, err))
	}
	need := size + s.headroom
	if free < need {
		return stageError("reserve", fmt.Errorf("stage %s has %s free, batch needs %s",
			s.dir, humanize.IBytes(free), humanize.IBytes(need)))
	}
	return nil
}
