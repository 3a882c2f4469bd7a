package cli

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strategos.gg/internal/engine/savegame"
	"strategos.gg/internal/rules"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "strategos", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"host", "join", "observe", "inspect"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			require.NotNil(t, sub)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	cfg := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, cfg)
	assert.Equal(t, "c", cfg.Shorthand)

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "false", verbose.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("node"))
}

func TestHostAndJoinFlags(t *testing.T) {
	cmd := NewRootCommand()
	host, _, err := cmd.Find([]string{"host"})
	require.NoError(t, err)
	for _, f := range []string{"load", "listen", "seat", "seed", "headless"} {
		assert.NotNil(t, host.Flags().Lookup(f), f)
	}

	join, _, err := cmd.Find([]string{"join"})
	require.NoError(t, err)
	assert.NotNil(t, join.Flags().Lookup("play"))
	assert.NotNil(t, join.Flags().Lookup("url"))

	observe, _, err := cmd.Find([]string{"observe"})
	require.NoError(t, err)
	assert.Nil(t, observe.Flags().Lookup("play"), "observers play nobody")
	assert.NotNil(t, observe.Flags().Lookup("save"))
}

func TestParseSeats(t *testing.T) {
	seats, err := parseSeats([]string{"Blue=alice", " Red = bob "})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Blue": "alice", "Red": "bob"}, seats)

	_, err = parseSeats([]string{"Blue"})
	assert.Error(t, err)
	_, err = parseSeats([]string{"Blue=alice", "Blue=bob"})
	assert.ErrorContains(t, err, "seated twice")
}

func TestLocalPlayers(t *testing.T) {
	g := rules.Demo()

	local, err := localPlayers(g.Data, map[string]string{"Blue": "alice"}, "host")
	require.NoError(t, err)
	require.Len(t, local, 1)
	assert.Equal(t, "Red", local[0].Name())
	assert.True(t, local[0].IsAI())

	seats := map[string]string{"Blue": "host"}
	local, err = localPlayers(g.Data, seats, "host")
	require.NoError(t, err)
	assert.Len(t, local, 2, "a seat on the host node is played here")
	assert.Empty(t, seats)

	_, err = localPlayers(g.Data, map[string]string{"Green": "alice"}, "host")
	assert.ErrorContains(t, err, "no player Green")
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "bad", assert.AnError)))
}

func TestInspect_MissingSave(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetArgs([]string{"inspect", filepath.Join(t.TempDir(), "nope.tsvg")})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInspect_NewGame(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demo.tsvg")
	require.NoError(t, savegame.WriteFile(path, rules.Demo(), savegame.Options{WithHistory: true, WithDelegates: true}))

	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"inspect", path})
	require.NoError(t, cmd.Execute())

	out := buf.String()
	assert.Contains(t, out, "game:    Two Keeps")
	assert.Contains(t, out, "step:    round 1, gameSetup")
	assert.Contains(t, out, "Red")
	assert.Contains(t, out, "territories=1")
	assert.NotContains(t, out, "dice:")
}

// hostDemo plays the demo game between two local AIs to the end.
func hostDemo(t *testing.T) (out, saves string) {
	t.Helper()
	dir := t.TempDir()
	saves = filepath.Join(dir, "saves")
	t.Setenv("STRATEGOS_SAVE_GAMES_DIR", saves)
	t.Setenv("STRATEGOS_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("STRATEGOS_ARCHIVE_ENABLED", "true")
	t.Setenv("STRATEGOS_INDEX_ENABLED", "true")

	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"host", "--listen", "127.0.0.1:0", "--seed", "7", "--headless"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	require.NoError(t, cmd.ExecuteContext(ctx))
	return buf.String(), saves
}

func TestHostThenInspect(t *testing.T) {
	out, saves := hostDemo(t)
	assert.Contains(t, out, "hosting Two Keeps")
	assert.Contains(t, out, "game over")

	m := regexp.MustCompile(`game=(\S+)`).FindStringSubmatch(out)
	require.Len(t, m, 2)
	id := m[1]

	finals, err := filepath.Glob(filepath.Join(saves, "final_"+id+".tsvg"))
	require.NoError(t, err)
	require.Len(t, finals, 1)

	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"inspect", finals[0], "--game", id})
	require.NoError(t, cmd.Execute())

	report := buf.String()
	assert.Contains(t, report, "history: rounds=")
	assert.Contains(t, report, "dice:")
	assert.Contains(t, report, "(combat): rolls=")
	assert.Contains(t, report, "archive: final_"+id+".tsvg")
	assert.Contains(t, report, "index:   steps=")
	assert.False(t, strings.Contains(report, "unavailable"), report)
}

func TestInspect_RecordsUnavailable(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("STRATEGOS_DATA_DIR", filepath.Join(dir, "data"))
	path := filepath.Join(dir, "demo.tsvg")
	require.NoError(t, savegame.WriteFile(path, rules.Demo(), savegame.Options{WithHistory: true}))

	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"inspect", path, "--game", "missing"})
	require.NoError(t, cmd.Execute(), "record faults do not fail inspect")
	assert.Contains(t, buf.String(), "archive: unavailable")
	assert.Contains(t, buf.String(), "index:   disabled")
}

func TestInspect_SaveGameNames(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"legacy.svg", "download.tsvg.gz"} {
		require.NoError(t, savegame.WriteFile(filepath.Join(dir, name), rules.Demo(), savegame.Options{WithHistory: true}))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a save"), 0o644))

	t.Run("accepted", func(t *testing.T) {
		for _, name := range []string{"legacy.svg", "download.tsvg.gz"} {
			buf := &bytes.Buffer{}
			cmd := NewRootCommand()
			cmd.SetOut(buf)
			cmd.SetArgs([]string{"inspect", filepath.Join(dir, name)})
			require.NoError(t, cmd.Execute(), name)
			assert.Contains(t, buf.String(), "game:    Two Keeps", name)
		}
	})

	t.Run("rejected", func(t *testing.T) {
		cmd := NewRootCommand()
		cmd.SetOut(io.Discard)
		cmd.SetArgs([]string{"inspect", filepath.Join(dir, "notes.txt")})
		err := cmd.Execute()
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
		assert.ErrorContains(t, err, "not a save game")

		_, err = loadGame(filepath.Join(dir, "notes.txt"))
		assert.ErrorContains(t, err, "not a save game")
	})

	t.Run("directory", func(t *testing.T) {
		buf := &bytes.Buffer{}
		cmd := NewRootCommand()
		cmd.SetOut(buf)
		cmd.SetArgs([]string{"inspect", dir})
		require.NoError(t, cmd.Execute())

		out := buf.String()
		assert.Contains(t, out, "legacy.svg")
		assert.Contains(t, out, "download.tsvg.gz")
		assert.Contains(t, out, "round 1, gameSetup")
		assert.NotContains(t, out, "notes.txt")
	})
}
