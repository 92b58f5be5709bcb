// Command storyloom is a line-oriented client: it opens a session, prints
// the story as it streams in and submits every input line as an action.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storyloom.ai/internal/config"
	"storyloom.ai/internal/dispatch"
	"storyloom.ai/internal/engine"
	"storyloom.ai/internal/insight"
	"storyloom.ai/internal/session"
	"storyloom.ai/internal/syncerr"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to storyloom.yaml (optional)")
		sessionID  = flag.String("session", "", "session to open at start (optional)")
		debug      = flag.Bool("debug", false, "development logging")
	)
	flag.Parse()

	logger := newLogger(*debug)
	err := run(logger, *configPath, strings.TrimSpace(*sessionID))
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "storyloom:", err)
		os.Exit(1)
	}
}

func run(logger *zap.Logger, configPath, sessionID string) (err error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Reported errors are printed off the stream goroutine; when the
	// printer falls behind they are only logged.
	reported := make(chan error, 32)
	ecfg := engine.FromConfig(cfg)
	ecfg.Logger = logger
	ecfg.OnError = func(err error) {
		select {
		case reported <- err:
		default:
		}
	}
	eng, err := engine.New(ecfg)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	defer func() {
		err = errors.Join(err, eng.Close())
	}()

	p := &printer{out: os.Stdout}
	cancelSub := eng.Subscribe(p.onChange)
	defer cancelSub()
	eng.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if sessionID != "" {
		if _, err := eng.Open(ctx, sessionID); err != nil {
			return fmt.Errorf("open session %s: %w", sessionID, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	lines := make(chan string)
	// The scanner cannot be interrupted, so the reader stays out of the
	// group and is abandoned at exit.
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-gctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			logger.Warn("read stdin", zap.Error(err))
		}
	}()
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-reported:
				fmt.Fprintf(os.Stderr, "! %s: %v\n", syncerr.KindOf(err), err)
			}
		}
	})
	g.Go(func() error {
		defer stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if err := handle(gctx, eng, p, line); err != nil {
					if errors.Is(err, errQuit) {
						return nil
					}
					fmt.Fprintln(os.Stderr, "!", err)
				}
			}
		}
	})
	return g.Wait()
}

var errQuit = errors.New("quit")

func handle(ctx context.Context, eng *engine.Engine, p *printer, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		res, err := eng.PerformAction(ctx, line, dispatch.Options{})
		if err != nil {
			return err
		}
		go func() {
			st, err := res.Wait(ctx)
			switch {
			case errors.Is(err, dispatch.ErrStillProcessing):
				fmt.Fprintln(os.Stderr, "... still processing", res.CorrelationID)
			case err != nil && !errors.Is(err, context.Canceled):
				fmt.Fprintf(os.Stderr, "! action %s %s: %v\n", res.CorrelationID, st, err)
			}
		}()
		return nil
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return errQuit
	case "/list":
		list, err := eng.ListSessions(ctx)
		if err != nil {
			return err
		}
		for _, s := range list {
			fmt.Fprintf(p.out, "%-12s %-16s %-20s %3d entries  %s\n",
				s.ID, s.CharacterName, s.Location, s.StoryEntries, s.UpdatedAt.Format("2006-01-02 15:04"))
		}
	case "/open", "/switch":
		if _, err := eng.Switch(ctx, arg); err != nil {
			return err
		}
	case "/delete":
		return eng.DeleteSession(ctx, arg)
	case "/status":
		cur, _ := eng.Store().Current()
		id := "-"
		if cur != nil {
			id = cur.ID
		}
		fmt.Fprintf(p.out, "session=%s connection=%s insights=%d\n", id, eng.Status(), eng.Insights().Len())
	case "/insights":
		for _, in := range eng.Insights().Query(insight.Filter{DecisionType: arg, Limit: 10}) {
			fmt.Fprintf(p.out, "[%s %.2f] %s\n", in.DecisionType, in.Confidence, in.Reasoning)
		}
		st := eng.Insights().Stats()
		fmt.Fprintf(p.out, "%d buffered, average confidence %.2f\n", st.Count, st.AverageConfidence)
	case "/archive":
		id := eng.Store().CurrentID()
		if id == "" {
			return errors.New("no session open")
		}
		old, err := eng.ArchivedInsights(ctx, id, 20)
		if err != nil {
			return err
		}
		for _, in := range old {
			fmt.Fprintf(p.out, "%s [%s %.2f] %s\n", in.Timestamp.Format("15:04:05"), in.DecisionType, in.Confidence, in.Reasoning)
		}
	case "/retry":
		eng.Restart(arg)
	default:
		return fmt.Errorf("unknown command %s", cmd)
	}
	return nil
}

// printer writes each story entry once, and again if its text changes, as
// when a placeholder is confirmed. A new session id starts the story over.
type printer struct {
	out io.Writer

	mu      sync.Mutex
	sid     string
	printed map[string]string // entry id -> text last printed
	conn    session.ConnectionStatus
}

func (p *printer) onChange(ch session.Change) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch.Connection != "" && ch.Connection != p.conn {
		p.conn = ch.Connection
		fmt.Fprintf(p.out, "-- %s --\n", ch.Connection)
	}
	s := ch.Session
	if s == nil {
		return
	}
	if s.ID != p.sid {
		p.sid = s.ID
		p.printed = map[string]string{}
		fmt.Fprintf(p.out, "== %s (%s, %s) ==\n", s.Character.Name, s.ID, s.World.CurrentLocation)
	}
	for _, e := range s.Story {
		if text, ok := p.printed[e.ID]; ok && text == e.Text {
			continue
		}
		p.printed[e.ID] = e.Text
		switch e.Type {
		case session.EntryPlayer:
			fmt.Fprintf(p.out, "> %s\n", e.Text)
		case session.EntrySystem:
			fmt.Fprintf(p.out, "* %s\n", e.Text)
		default:
			fmt.Fprintln(p.out, e.Text)
		}
	}
}

func newLogger(debug bool) *zap.Logger {
	var (
		l   *zap.Logger
		err error
	)
	if debug {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	return l
}
