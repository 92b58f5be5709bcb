// Command devserver runs the scripted backend: the session API under /v1
// and the frame stream at /v1/stream.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storyloom.ai/internal/session"
	"storyloom.ai/internal/transport/ws"
)

func main() {
	var (
		addr     = flag.String("addr", "127.0.0.1:8080", "http listen address")
		token    = flag.String("token", "", "bearer token required from clients (optional)")
		seedPath = flag.String("seed", "", "JSON file holding an array of sessions (default: built-in sessions)")
		delay    = flag.Duration("narration_delay", 400*time.Millisecond, "delay between accepting an action and narrating it")
		debug    = flag.Bool("debug", false, "development logging")
	)
	flag.Parse()

	logger := newLogger(*debug)
	defer func() { _ = logger.Sync() }()

	seeds, err := loadSeeds(*seedPath)
	if err != nil {
		logger.Fatal("load seeds", zap.String("path", *seedPath), zap.Error(err))
	}

	b := ws.NewBackend(ws.Config{Token: *token, NarrationDelay: *delay, Logger: logger})
	defer b.Close()
	for _, s := range seeds {
		b.AddSession(s)
	}

	mux := http.NewServeMux()
	mux.Handle("/", b.Handler())
	mux.HandleFunc("/debug/faults", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var f ws.Faults
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		b.SetFaults(f)
		logger.Info("faults set", zap.Any("faults", f))
		rw.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/debug/kick", func(rw http.ResponseWriter, r *http.Request) {
		b.Kick(r.URL.Query().Get("session"))
		rw.WriteHeader(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", *addr), zap.Int("sessions", len(seeds)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Streams are hijacked connections; close them before Shutdown waits.
		b.Close()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server", zap.Error(err))
		os.Exit(1)
	}
}

func loadSeeds(path string) ([]*session.Session, error) {
	if path == "" {
		return defaultSeeds(time.Now().UTC()), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []*session.Session
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	for i, s := range out {
		if s == nil || s.ID == "" {
			return nil, fmt.Errorf("session %d has no id", i)
		}
	}
	return out, nil
}

func defaultSeeds(now time.Time) []*session.Session {
	return []*session.Session{
		{
			ID: "ember-road",
			Character: session.Character{
				Name: "Ayla", Class: "ranger", Level: 3, Health: 24, MaxHealth: 30,
				Attributes: map[string]int{"dex": 15, "wis": 12},
			},
			Inventory: []session.InventoryItem{
				{ID: "bow", Name: "Ash Longbow", Type: "weapon", Rarity: "common", Quantity: 1, Weight: 2, Equipped: true},
				{ID: "arrow", Name: "Arrow", Type: "ammo", Rarity: "common", Quantity: 18, Weight: 0.05},
			},
			Quests: []session.Quest{
				{ID: "well", Title: "Find the old well", Status: session.QuestActive, Objectives: []string{"Ask at the mill"}},
			},
			World: session.WorldState{
				CurrentLocation: "Crossroads", Weather: "mist", TimeOfDay: "dawn",
				NPCsPresent: []string{"Tomas"}, AvailableActions: []string{"look", "talk", "travel"},
			},
			Story: []session.StoryEntry{
				{ID: "intro", Type: session.EntryNarration, Text: "Mist hangs over the crossroads.", Timestamp: now},
			},
			CreatedAt: now,
			UpdatedAt: now,
		},
		{
			ID: "salt-harbor",
			Character: session.Character{
				Name: "Brann", Class: "sellsword", Level: 5, Health: 41, MaxHealth: 41,
			},
			World: session.WorldState{
				CurrentLocation: "Salt Harbor", Weather: "rain", TimeOfDay: "night",
				AvailableActions: []string{"look", "barter"},
			},
			Story: []session.StoryEntry{
				{ID: "intro", Type: session.EntryNarration, Text: "Rain drums on the harbor boards.", Timestamp: now},
			},
			CreatedAt: now,
			UpdatedAt: now.Add(-time.Hour),
		},
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
