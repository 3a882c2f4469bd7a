package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"strategos.gg/internal/engine/client"
	"strategos.gg/internal/engine/player"
	"strategos.gg/internal/rules"
	"strategos.gg/internal/transport/ws"
)

// JoinOptions holds flags for the join and observe commands.
type JoinOptions struct {
	*RootOptions
	URL      string
	Password string
	Play     []string
	Save     string
}

// NewJoinCommand creates the join command.
func NewJoinCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JoinOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a hosted game and play seated players",
		Long: `Join a game hosted on another node. The host decides which players this
node plays; --play names the players the built in AI plays here.

Examples:
  strategos join --node alice --play Blue
  strategos join --node alice --play Blue --url ws://host:3300/v1/game`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd.Context(), opts, cmd, false)
		},
	}
	addJoinFlags(cmd, opts)
	cmd.Flags().StringArrayVar(&opts.Play, "play", nil, "player the AI plays on this node, repeatable")
	return cmd
}

// NewObserveCommand creates the observe command.
func NewObserveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &JoinOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "observe",
		Short: "Follow a hosted game without playing",
		Long: `Follow a game hosted on another node. The observer keeps a full copy of the
game and can write a save when the game ends.

Examples:
  strategos observe --node bob --save bob.tsvg`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd.Context(), opts, cmd, true)
		},
	}
	addJoinFlags(cmd, opts)
	return cmd
}

func addJoinFlags(cmd *cobra.Command, opts *JoinOptions) {
	cmd.Flags().StringVar(&opts.URL, "url", "", "server websocket url (overrides config)")
	cmd.Flags().StringVar(&opts.Password, "password", "", "game password (overrides config)")
	cmd.Flags().StringVar(&opts.Save, "save", "", "write the local copy here when the game ends")
}

func runJoin(ctx context.Context, opts *JoinOptions, cmd *cobra.Command, observer bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.URL != "" {
		cfg.ServerURL = opts.URL
	}
	if opts.Password != "" {
		cfg.Password = opts.Password
	}
	logger := opts.logger(cmd.ErrOrStderr(), "client")
	out := cmd.OutOrStdout()

	conn, err := ws.Dial(ctx, cfg.ServerURL, ws.Hello{Node: cfg.Node, Password: cfg.Password, Observer: observer}, logger)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to connect", err)
	}
	defer conn.Close()

	var local []player.Player
	for _, name := range opts.Play {
		local = append(local, rules.NewAI(name))
	}
	fatal := make(chan error, 1)
	g, err := client.Join(ctx, conn, local, client.Options{
		Config:   cfg,
		Logger:   logger,
		Registry: rules.Registry(),
		Fatal:    func(err error) { fatal <- err },
	})
	if err != nil {
		return WrapExitError(ExitFailure, "failed to join", err)
	}
	defer g.Close()

	u := g.Data().AcquireReadLock()
	name, round := g.Data().Name(), g.Data().Sequence().Round()
	u.Unlock()
	fmt.Fprintf(out, "joined %s game=%s round=%d as %s\n", name, g.GameID(), round, conn.Node())
	if mine := g.Mapping().Players(conn.Node()); len(mine) > 0 {
		fmt.Fprintf(out, "playing %v\n", mine)
	}

	select {
	case <-g.Done():
	case <-conn.Done():
		return WrapExitError(ExitFailure, "connection lost", conn.Err())
	case err := <-fatal:
		return WrapExitError(ExitFailure, "lost sync with the server", err)
	case <-ctx.Done():
		return nil
	}

	if opts.Save != "" {
		if err := writeLocalSave(g, opts.Save); err != nil {
			return WrapExitError(ExitFailure, "failed to save", err)
		}
		fmt.Fprintf(out, "saved %s\n", opts.Save)
	}
	fmt.Fprintln(out, "game over")
	if report := g.Stats().Report(); report != "" {
		fmt.Fprint(out, report)
	}
	return nil
}
