package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"strategos.gg/internal/config"
	"strategos.gg/internal/engine/data"
	"strategos.gg/internal/engine/gamechan"
	"strategos.gg/internal/engine/player"
	"strategos.gg/internal/engine/savegame"
	"strategos.gg/internal/engine/server"
	"strategos.gg/internal/messaging"
	"strategos.gg/internal/persistence/indexdb"
	glog "strategos.gg/internal/persistence/log"
	"strategos.gg/internal/persistence/r2s3"
	"strategos.gg/internal/rules"
	"strategos.gg/internal/transport/ws"
)

// GamePath is where the websocket endpoint is served.
const GamePath = "/v1/game"

// HostOptions holds flags for the host command.
type HostOptions struct {
	*RootOptions
	Load     string
	Listen   string
	Seats    []string
	Seed     int64
	Headless bool
}

// NewHostCommand creates the host command.
func NewHostCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HostOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "host",
		Short: "Host a game",
		Long: `Host a game and serve it to other nodes over websocket.

Players not given a seat are played by the built in AI on this node. A seat
hands a player to another node; the game starts once every seated node has
joined.

Examples:
  strategos host
  strategos host --seat Blue=alice --listen :3300
  strategos host --load savedGames/autosave_round_odd.tsvg --seat Blue=alice`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Load, "load", "", "save game to resume (default: a new demo game)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "http listen address (overrides config)")
	cmd.Flags().StringArrayVar(&opts.Seats, "seat", nil, "player=node, repeatable")
	cmd.Flags().Int64Var(&opts.Seed, "seed", 0, "random seed (0: from crypto/rand)")
	cmd.Flags().BoolVar(&opts.Headless, "headless", false, "exit once the game is over")

	return cmd
}

func runHost(ctx context.Context, opts *HostOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.ListenAddr = opts.Listen
	}
	if cmd.Flags().Changed("seed") {
		cfg.Seed = opts.Seed
	}
	if opts.Headless {
		cfg.Headless = true
	}
	logger := opts.logger(cmd.ErrOrStderr(), "host")
	out := cmd.OutOrStdout()

	g, err := loadGame(opts.Load)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load game", err)
	}
	if opts.Load != "" && !g.StepFound {
		fmt.Fprintln(out, "warning: the saved step is not in the sequence, resuming at its first step")
	}
	seats, err := parseSeats(opts.Seats)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --seat", err)
	}
	local, err := localPlayers(g.Data, seats, cfg.Node)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --seat", err)
	}

	hub := messaging.NewHub(cfg.Node, logger)
	ep, err := hub.Join(cfg.Node)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to join hub", err)
	}
	defer ep.Leave()

	recorders, idx, closeRecorders, err := openRecorders(cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open records", err)
	}
	defer closeRecorders()

	mirror, err := openMirror(cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up mirror", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var exitCode atomic.Int32
	sopts := server.Options{
		Config:    cfg,
		Logger:    logger,
		Recorders: recorders,
		Exit: func(code int) {
			exitCode.Store(int32(code))
			cancel()
		},
	}
	if mirror != nil {
		sopts.Mirror = mirror
		defer func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownBlock)
			defer closeCancel()
			if err := mirror.Close(closeCtx); err != nil {
				logger.Printf("mirror close err=%v", err)
			}
		}()
	}
	srv, err := server.New(ep, g, local, player.NewMapping(seats), sopts)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to start game", err)
	}
	hub.OnNodeLeft(func(node string) {
		go srv.ConnectionLost(node)
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		srv.StopGame()
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(srv, hub, idx, mirror))
	mux.HandleFunc(GamePath, ws.NewServer(hub, ws.Options{Password: cfg.Password, GameID: srv.GameID}, logger).Handler())
	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("http serve err=%v", err)
		}
	}()
	defer func() {
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		_ = httpSrv.Shutdown(shutCtx)
	}()

	fmt.Fprintf(out, "hosting %s game=%s on %s\n", g.Data.Name(), srv.GameID(), ln.Addr())
	if err := waitForNodes(ctx, hub, seats, cfg.Timeouts.ObserverJoinWait, out); err != nil {
		srv.StopGame()
		return WrapExitError(ExitFailure, "players did not join", err)
	}

	runErr := srv.Run(ctx)
	if !srv.IsGameOver() {
		srv.StopGame()
	}
	if code := exitCode.Load(); code != 0 {
		return NewExitError(int(code), "game could not be shut down cleanly")
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return WrapExitError(ExitFailure, "game stopped", runErr)
	}
	printResult(out, srv.Winner(), srv.LastSave())
	return nil
}

func loadGame(path string) (*savegame.Game, error) {
	if path == "" {
		return rules.Demo(), nil
	}
	if err := checkSaveName(path); err != nil {
		return nil, err
	}
	return savegame.ReadFile(path, rules.Registry(), savegame.LoadOptions{WithHistory: true})
}

// parseSeats turns "player=node" pairs into a mapping.
func parseSeats(pairs []string) (map[string]string, error) {
	seats := make(map[string]string, len(pairs))
	for _, p := range pairs {
		name, node, ok := strings.Cut(p, "=")
		name, node = strings.TrimSpace(name), strings.TrimSpace(node)
		if !ok || name == "" || node == "" {
			return nil, fmt.Errorf("%q is not player=node", p)
		}
		if _, dup := seats[name]; dup {
			return nil, fmt.Errorf("player %s seated twice", name)
		}
		seats[name] = node
	}
	return seats, nil
}

// localPlayers returns an AI for every player of gd without a seat. Seats on
// the host node itself are dropped so the AI takes them.
func localPlayers(gd *data.GameData, seats map[string]string, self string) ([]player.Player, error) {
	u := gd.AcquireReadLock()
	names := gd.PlayerNames()
	u.Unlock()

	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}
	for name, node := range seats {
		if !known[name] {
			return nil, fmt.Errorf("no player %s in this game", name)
		}
		if node == self {
			delete(seats, name)
		}
	}
	var local []player.Player
	for _, n := range names {
		if _, seated := seats[n]; !seated {
			local = append(local, rules.NewAI(n))
		}
	}
	return local, nil
}

// waitForNodes blocks until every seated node has its step advancer
// registered on the hub.
func waitForNodes(ctx context.Context, hub *messaging.Hub, seats map[string]string, timeout time.Duration, out io.Writer) error {
	want := map[string]bool{}
	for _, node := range seats {
		want[node] = true
	}
	if len(want) == 0 {
		return nil
	}
	nodes := make([]string, 0, len(want))
	for n := range want {
		nodes = append(nodes, n)
	}
	sort.Strings(nodes)
	fmt.Fprintf(out, "waiting for %s\n", strings.Join(nodes, ", "))

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		missing := nodes[:0:0]
		for _, n := range nodes {
			if !hub.HasRemote(gamechan.StepAdvancerRemote(n)) {
				missing = append(missing, n)
			}
		}
		if len(missing) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: still waiting for %s", ctx.Err(), strings.Join(missing, ", "))
		case <-tick.C:
		}
	}
}

func openRecorders(cfg config.Config, logger *log.Logger) ([]server.Recorder, *indexdb.SQLiteIndex, func(), error) {
	var (
		recorders []server.Recorder
		closers   []func() error
		idx       *indexdb.SQLiteIndex
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Printf("close records err=%v", err)
			}
		}
	}
	if cfg.Journal.Enabled {
		j := glog.NewJournal(cfg.Journal.Dir)
		recorders = append(recorders, j)
		closers = append(closers, j.Close)
	}
	if cfg.Index.Enabled {
		var err error
		idx, err = indexdb.OpenSQLite(cfg.Index.Path)
		if err != nil {
			closeAll()
			return nil, nil, nil, fmt.Errorf("index %s: %w", cfg.Index.Path, err)
		}
		recorders = append(recorders, idx)
		closers = append(closers, idx.Close)
	}
	return recorders, idx, closeAll, nil
}

func openMirror(cfg config.Config, logger *log.Logger) (*r2s3.Mirror, error) {
	mc := cfg.Mirror
	if !mc.Enabled {
		return nil, nil
	}
	up, err := r2s3.New(mc.Credentials())
	if err != nil {
		return nil, err
	}
	return r2s3.NewMirror(up, r2s3.MirrorOptions{
		BaseDir: cfg.SaveGamesDir,
		Prefix:  mc.Prefix,
		Workers: mc.Workers,
		Queue:   mc.Queue,
	}, logger), nil
}

// metricsHandler serves a minimal Prometheus exposition of the game.
func metricsHandler(srv *server.Game, hub *messaging.Hub, idx *indexdb.SQLiteIndex, mirror *r2s3.Mirror) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		id := srv.GameID()

		gd := srv.Data()
		u := gd.AcquireReadLock()
		round := gd.Sequence().Round()
		changes := srv.History().ChangeCount()
		u.Unlock()

		fmt.Fprintf(rw, "# HELP strategos_round Current game round.\n")
		fmt.Fprintf(rw, "# TYPE strategos_round gauge\n")
		fmt.Fprintf(rw, "strategos_round{game=%q} %d\n", id, round)

		fmt.Fprintf(rw, "# HELP strategos_changes Changes recorded in the history.\n")
		fmt.Fprintf(rw, "# TYPE strategos_changes counter\n")
		fmt.Fprintf(rw, "strategos_changes{game=%q} %d\n", id, changes)

		fmt.Fprintf(rw, "# HELP strategos_nodes Nodes joined to the game.\n")
		fmt.Fprintf(rw, "# TYPE strategos_nodes gauge\n")
		fmt.Fprintf(rw, "strategos_nodes{game=%q} %d\n", id, len(hub.Nodes()))

		over := 0
		if srv.IsGameOver() {
			over = 1
		}
		fmt.Fprintf(rw, "# HELP strategos_game_over Whether the game has ended.\n")
		fmt.Fprintf(rw, "# TYPE strategos_game_over gauge\n")
		fmt.Fprintf(rw, "strategos_game_over{game=%q} %d\n", id, over)

		if idx != nil {
			st := idx.Stats()
			fmt.Fprintf(rw, "# HELP strategos_index_written Records written to the sqlite index.\n")
			fmt.Fprintf(rw, "# TYPE strategos_index_written counter\n")
			fmt.Fprintf(rw, "strategos_index_written{game=%q} %d\n", id, st.Written)
			fmt.Fprintf(rw, "# HELP strategos_index_dropped Records the sqlite index dropped.\n")
			fmt.Fprintf(rw, "# TYPE strategos_index_dropped counter\n")
			fmt.Fprintf(rw, "strategos_index_dropped{game=%q} %d\n", id, st.Dropped)
		}
		if mirror != nil {
			st := mirror.Stats()
			fmt.Fprintf(rw, "# HELP strategos_mirror_uploaded Save files uploaded.\n")
			fmt.Fprintf(rw, "# TYPE strategos_mirror_uploaded counter\n")
			fmt.Fprintf(rw, "strategos_mirror_uploaded{game=%q} %d\n", id, st.Uploaded)
			fmt.Fprintf(rw, "# HELP strategos_mirror_failed Save file uploads that failed.\n")
			fmt.Fprintf(rw, "# TYPE strategos_mirror_failed counter\n")
			fmt.Fprintf(rw, "strategos_mirror_failed{game=%q} %d\n", id, st.Failed)
		}
	}
}

func printResult(out io.Writer, winner, lastSave string) {
	if winner != "" {
		fmt.Fprintf(out, "game over, %s wins\n", winner)
	} else {
		fmt.Fprintln(out, "game over")
	}
	if lastSave != "" {
		fmt.Fprintf(out, "last save: %s\n", lastSave)
	}
}
