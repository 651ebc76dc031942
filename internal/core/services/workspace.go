package services

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/manthysbr/variantforge/internal/core/domain"
)

// WorkspaceManager lays out the on-disk working tree:
//
//	baseDir/frames/{frame id}.json
//	baseDir/exports/{frame name}/
type WorkspaceManager struct {
	baseDir string
}

func NewWorkspaceManager(baseDir string) *WorkspaceManager {
	return &WorkspaceManager{
		baseDir: baseDir,
	}
}

func (s *WorkspaceManager) BaseDir() string {
	return s.baseDir
}

// FramesDir returns the directory holding frame documents, creating it if needed.
func (s *WorkspaceManager) FramesDir() (string, error) {
	return s.ensureDir(filepath.Join(s.baseDir, "frames"))
}

// PrepareExport creates an empty batch directory for frameName.
// Path: baseDir/exports/{frame name}
func (s *WorkspaceManager) PrepareExport(frameName string) (string, error) {
	path := s.ExportPath(frameName)
	if err := os.RemoveAll(path); err != nil {
		return "", fmt.Errorf("failed to reset export dir: %w", err)
	}
	return s.ensureDir(path)
}

// ExportPath returns the batch directory of frameName.
func (s *WorkspaceManager) ExportPath(frameName string) string {
	return filepath.Join(s.baseDir, "exports", domain.SafeName(frameName))
}

// CleanupExport removes the batch directory of frameName.
func (s *WorkspaceManager) CleanupExport(frameName string) error {
	return os.RemoveAll(s.ExportPath(frameName))
}

func (s *WorkspaceManager) ensureDir(path string) (string, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	return path, nil
}
