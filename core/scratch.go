package core

import (
	"fmt"
	"os"
	"strings"
)

// DirScratchAllocator hands out per-job temp directories under Root, or the
// system temp dir when Root is empty. Release removes the whole directory and
// is safe to call more than once.
type DirScratchAllocator struct {
	Root string
}

func NewDirScratchAllocator(root string) *DirScratchAllocator {
	return &DirScratchAllocator{Root: strings.TrimSpace(root)}
}

func (a *DirScratchAllocator) Allocate(jobID string) (ScratchDir, error) {
	root := ""
	if a != nil {
		root = strings.TrimSpace(a.Root)
	}
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return ScratchDir{}, fmt.Errorf("core: scratch root unavailable: %w", err)
		}
	}
	pattern := "job-*"
	if component := scratchPatternComponent(jobID); component != "" {
		pattern = "job-" + component + "-*"
	}
	dir, err := os.MkdirTemp(root, pattern)
	if err != nil {
		return ScratchDir{}, fmt.Errorf("core: scratch allocation failed: %w", err)
	}
	return ScratchDir{Dir: dir}, nil
}

func (a *DirScratchAllocator) Release(dir ScratchDir) error {
	path := strings.TrimSpace(dir.Dir)
	if path == "" {
		return nil
	}
	return os.RemoveAll(path)
}

// scratchPatternComponent keeps job ids usable inside a MkdirTemp pattern.
// Separators would escape the scratch root, so anything suspicious is dropped.
func scratchPatternComponent(jobID string) string {
	id := strings.TrimSpace(jobID)
	if id == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	component := b.String()
	if len(component) > 64 {
		component = component[:64]
	}
	return component
}

var _ ScratchAllocator = (*DirScratchAllocator)(nil)
