package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"strategos.gg/internal/engine/autosave"
	"strategos.gg/internal/engine/client"
	"strategos.gg/internal/engine/history"
	"strategos.gg/internal/engine/random"
	"strategos.gg/internal/engine/savegame"
	"strategos.gg/internal/persistence/archive"
	"strategos.gg/internal/persistence/indexdb"
	"strategos.gg/internal/rules"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	GameID string
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect <save|dir>",
		Short: "Print a summary of a save game",
		Long: `Print the players, the current step, a summary of the history and the dice
statistics of a save game. The statistics are derived again from the dice
rolls in the history.

Given a directory, inspect lists the save games in it (.tsvg, the legacy
.svg and downloads renamed to .tsvg.gz) with their round and step.

With --game the archive and the sqlite index are consulted for that game id
as well.

Examples:
  strategos inspect savedGames
  strategos inspect savedGames/autosave_round_odd.tsvg
  strategos inspect savedGames/final_1b9d.tsvg --game 1b9d6bcd-bbfd-4b2d-9b5d-ab8dfbbd4bed`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(opts, cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.GameID, "game", "", "game id to look up in the archive and index")

	return cmd
}

type historySummary struct {
	rounds, steps, events, rolls int
}

func summarize(h *history.History) historySummary {
	var s historySummary
	h.Walk(func(n *history.Node) bool {
		switch n.Kind() {
		case history.KindRound:
			s.rounds++
		case history.KindStep:
			s.steps++
		case history.KindEvent:
			s.events++
		case history.KindEventChild:
			if _, ok := n.Rendering().(*random.VerifiedResult); ok {
				s.rolls++
			}
		}
		return true
	})
	return s
}

// checkSaveName rejects paths that are not save game candidates.
func checkSaveName(path string) error {
	if !autosave.IsSaveGame(path) {
		return fmt.Errorf("%s is not a save game (want .tsvg, .svg or .tsvg.gz)", filepath.Base(path))
	}
	return nil
}

// listSaves prints every save game candidate in dir. A save whose header
// cannot be read is listed as unavailable.
func listSaves(out io.Writer, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !autosave.IsSaveGame(e.Name()) {
			continue
		}
		n++
		hdr, err := savegame.ReadHeader(filepath.Join(dir, e.Name()))
		if err != nil {
			fmt.Fprintf(out, "%-32s unavailable (%v)\n", e.Name(), err)
			continue
		}
		fmt.Fprintf(out, "%-32s round %d, %s\n", e.Name(), hdr.Round, hdr.Step)
	}
	if n == 0 {
		fmt.Fprintf(out, "no save games in %s\n", dir)
	}
	return nil
}

func runInspect(opts *InspectOptions, cmd *cobra.Command, path string) error {
	out := cmd.OutOrStdout()

	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		if err := listSaves(out, path); err != nil {
			return WrapExitError(ExitCommandError, "failed to list saves", err)
		}
		return nil
	}
	if err := checkSaveName(path); err != nil {
		return WrapExitError(ExitCommandError, "failed to read save", err)
	}

	hdr, err := savegame.ReadHeader(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read save", err)
	}
	g, err := savegame.ReadFile(path, rules.Registry(), savegame.LoadOptions{WithHistory: true})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read save", err)
	}

	gd := g.Data
	stats := random.NewStats()
	u := gd.AcquireReadLock()
	seq := gd.Sequence()
	fmt.Fprintf(out, "game:    %s\n", gd.Name())
	fmt.Fprintf(out, "saved:   %s (engine %s)\n", time.Unix(hdr.SavedAt, 0).UTC().Format(time.RFC3339), hdr.EngineVersion)
	if st := seq.Step(); st != nil {
		fmt.Fprintf(out, "step:    round %d, %s", seq.DisplayRound(), st.Name)
		if st.Player != "" {
			fmt.Fprintf(out, " (%s)", st.Player)
		}
		fmt.Fprintln(out)
	}
	if !g.StepFound {
		fmt.Fprintf(out, "warning: saved step %s is not in the sequence\n", hdr.Step)
	}
	fmt.Fprintln(out, "players:")
	for _, p := range gd.Players() {
		owned := 0
		for _, t := range gd.Territories() {
			if t.Owner() == p.Name() {
				owned++
			}
		}
		fmt.Fprintf(out, "  %-10s %-14s territories=%d %s\n", p.Name(), p.WhoAmI(), owned, formatResources(p.Resources()))
	}
	if g.History != nil {
		sum := summarize(g.History)
		fmt.Fprintf(out, "history: rounds=%d steps=%d events=%d rolls=%d changes=%d\n",
			sum.rounds, sum.steps, sum.events, sum.rolls, g.History.ChangeCount())
		stats.ImportHistory(g.History)
	} else {
		fmt.Fprintln(out, "history: not saved")
	}
	u.Unlock()

	if report := stats.Report(); report != "" {
		fmt.Fprintln(out, "dice:")
		for _, line := range strings.Split(strings.TrimRight(report, "\n"), "\n") {
			fmt.Fprintf(out, "  %s\n", line)
		}
	}

	if opts.GameID != "" {
		inspectRecords(cmd.Context(), opts, out)
	}
	return nil
}

// inspectRecords prints what the archive and index hold for the game. Their
// faults do not fail the command.
func inspectRecords(ctx context.Context, opts *InspectOptions, out io.Writer) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		fmt.Fprintf(out, "archive: unavailable (%v)\n", err)
		fmt.Fprintf(out, "index:   unavailable (%v)\n", err)
		return
	}

	if meta, err := archive.ReadMeta(cfg.Archive.Dir, opts.GameID); err != nil {
		fmt.Fprintf(out, "archive: unavailable (%v)\n", err)
	} else {
		winner := meta.Winner
		if winner == "" {
			winner = "none"
		}
		fmt.Fprintf(out, "archive: %s round=%d winner=%s\n", meta.Save, meta.Round, winner)
	}

	if !cfg.Index.Enabled {
		fmt.Fprintln(out, "index:   disabled")
		return
	}
	idx, err := indexdb.OpenSQLite(cfg.Index.Path)
	if err != nil {
		fmt.Fprintf(out, "index:   unavailable (%v)\n", err)
		return
	}
	defer idx.Close()
	steps, err := idx.Steps(ctx, opts.GameID)
	if err != nil {
		fmt.Fprintf(out, "index:   unavailable (%v)\n", err)
		return
	}
	winner, done, err := idx.Winner(ctx, opts.GameID)
	switch {
	case err != nil:
		fmt.Fprintf(out, "index:   steps=%d winner unavailable (%v)\n", len(steps), err)
	case !done:
		fmt.Fprintf(out, "index:   steps=%d in progress\n", len(steps))
	default:
		if winner == "" {
			winner = "none"
		}
		fmt.Fprintf(out, "index:   steps=%d winner=%s\n", len(steps), winner)
	}
}

func formatResources(res map[string]int) string {
	keys := make([]string, 0, len(res))
	for k := range res {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, res[k]))
	}
	return strings.Join(parts, " ")
}

// writeLocalSave writes a joined node's own copy of the game.
func writeLocalSave(g *client.Game, path string) error {
	return savegame.WriteFile(path, &savegame.Game{
		Data:      g.Data(),
		History:   g.History(),
		Delegates: g.Delegates(),
	}, savegame.Options{WithHistory: true, WithDelegates: true})
}
