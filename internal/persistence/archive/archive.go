// Package archive keeps the final save of every finished game.
package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"strategos.gg/internal/engine/savegame"
)

type Meta struct {
	GameID    string   `json:"game_id"`
	GameName  string   `json:"game_name"`
	Winner    string   `json:"winner,omitempty"`
	Round     int      `json:"round"`
	Step      string   `json:"step"`
	Players   []string `json:"players,omitempty"`
	Save      string   `json:"save"`
	DiceStats string   `json:"dice_stats,omitempty"`
	CreatedAt string   `json:"created_at"`
}

// ArchiveGame copies the save at savePath into root/<gameID>/ next to a
// meta.json. Round, step and name come from the save header.
func ArchiveGame(root, savePath string, meta Meta) (string, error) {
	if meta.GameID == "" {
		return "", fmt.Errorf("archive: empty game id")
	}
	h, err := savegame.ReadHeader(savePath)
	if err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}

	dir := filepath.Join(root, meta.GameID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, filepath.Base(savePath))
	if err := copyFile(savePath, dst); err != nil {
		return "", err
	}

	meta.GameName = h.GameName
	meta.Round = h.Round
	meta.Step = h.Step
	meta.Save = filepath.Base(dst)
	meta.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o644); err != nil {
		return "", err
	}
	return dst, nil
}

// ReadMeta loads the meta.json of an archived game.
func ReadMeta(root, gameID string) (Meta, error) {
	var m Meta
	b, err := os.ReadFile(filepath.Join(root, gameID, "meta.json"))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
