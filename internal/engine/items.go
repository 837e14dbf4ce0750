package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/taskforge/dispatch/internal/types"
)

// itemsFileName is the on-disk name of a task's uploaded input sequence,
// stored under ArtifactDir.
const itemsFileName = "items.json"

// FileItemSizer resolves item byte sizes by reading the JSON array of
// input items persisted alongside a task's other uploaded artifacts. Item
// size is the canonical serialised byte length of the raw JSON value.
type FileItemSizer struct{}

// ItemSizes implements assignment.ItemSizer.
func (FileItemSizer) ItemSizes(task *types.Task) ([]int, error) {
	items, err := LoadItems(task.ArtifactDir)
	if err != nil {
		return nil, err
	}

	sizes := make([]int, len(items))
	for i, raw := range items {
		sizes[i] = len(raw)
	}

	return sizes, nil
}

// LoadItems reads a task's input item sequence from its artifact
// directory.
func LoadItems(artifactDir string) ([]json.RawMessage, error) {
	path := filepath.Join(artifactDir, itemsFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read items for %s: %w", artifactDir, err)
	}

	var items []json.RawMessage

	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode items for %s: %w", artifactDir, err)
	}

	return items, nil
}

// StoreItems persists a task's input item sequence under artifactDir,
// creating the directory if necessary.
func StoreItems(artifactDir string, items []json.RawMessage) error {
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return fmt.Errorf("create artifact dir %s: %w", artifactDir, err)
	}

	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode items for %s: %w", artifactDir, err)
	}

	path := filepath.Join(artifactDir, itemsFileName)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write items for %s: %w", artifactDir, err)
	}

	return nil
}

// RemoveArtifacts deletes a task's entire artifact directory, used by
// deleteTask's cascade.
func RemoveArtifacts(artifactDir string) error {
	if artifactDir == "" {
		return nil
	}

	if err := os.RemoveAll(artifactDir); err != nil {
		return fmt.Errorf("remove artifacts %s: %w", artifactDir, err)
	}

	return nil
}
