package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Scenes the renderer can load. Anything else is rejected before touching
// the filesystem.
var allowedScenes = map[string]struct{}{
	"MeetingRoom": {},
	"Park":        {},
	"Library":     {},
}

const sceneFileName = "selected_scene.txt"

// AllowedScenes lists the accepted scene names for error messages and docs.
func AllowedScenes() []string {
	return []string{"MeetingRoom", "Park", "Library"}
}

// ErrInvalidScene marks a scene name outside the allowed set.
var ErrInvalidScene = fmt.Errorf("pipeline: scene must be one of %s", strings.Join(AllowedScenes(), ", "))

// WriteScene records the selected scene where the renderer picks it up and
// returns the written path. The directory comes from ENVIRONMENT_DIR,
// defaulting to ./environment.
func WriteScene(scene string) (string, error) {
	trimmed := strings.TrimSpace(scene)
	if _, ok := allowedScenes[trimmed]; !ok {
		return "", ErrInvalidScene
	}

	dir := strings.TrimSpace(os.Getenv("ENVIRONMENT_DIR"))
	if dir == "" {
		dir = "environment"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("pipeline: create environment dir: %w", err)
	}

	path := filepath.Join(dir, sceneFileName)
	if err := os.WriteFile(path, []byte(trimmed), 0o644); err != nil {
		return "", fmt.Errorf("pipeline: write scene file: %w", err)
	}
	return path, nil
}
