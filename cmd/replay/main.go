// Command replay rebuilds a session from a snapshot and the frame journal
// and reports where the result stands.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"storyloom.ai/internal/persistence/journal"
	"storyloom.ai/internal/persistence/snapshot"
	"storyloom.ai/internal/protocol"
	"storyloom.ai/internal/reconcile"
	"storyloom.ai/internal/session"
)

func main() {
	var (
		snapPath   = flag.String("snapshot", "", "path to <session>.snap.zst")
		journalDir = flag.String("journal", "", "journal dir containing *.jsonl.zst (optional)")
		toSeq      = flag.Uint64("to_seq", 0, "stop after this sequence (inclusive, optional)")
		outPath    = flag.String("out", "", "write the replayed session as a new snapshot (optional)")
	)
	flag.Parse()

	if *snapPath == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot")
		os.Exit(2)
	}

	snap, err := snapshot.Read(*snapPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	sess := snap.Session
	fmt.Printf("snapshot v%d session=%s last_seq=%d saved=%s story=%d quests=%d items=%d\n",
		snap.Header.Version, sess.ID, snap.Header.LastSeq, snap.Header.SavedAt.Format(time.RFC3339),
		len(sess.Story), len(sess.Quests), len(sess.Inventory))

	if *journalDir == "" {
		return
	}

	frames, outcomes, err := readJournal(*journalDir, sess.ID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read journal:", err)
		os.Exit(1)
	}

	store := session.NewStore(session.Config{})
	rec, err := reconcile.New(reconcile.Config{
		Store: store,
		// The journal only holds merged frames; a hole means the live client
		// resynced there, which replay cannot repeat.
		GapThreshold: math.MaxUint64,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "reconciler:", err)
		os.Exit(1)
	}
	rec.Install(sess)
	rec.SetStatus(session.StatusConnected)

	var applied, skipped, gaps int
	ctx := context.Background()
	for _, f := range frames {
		if *toSeq != 0 && f.Seq > *toSeq {
			break
		}
		wm := rec.Watermark(sess.ID)
		if f.Seq > wm+1 {
			gaps++
			fmt.Fprintf(os.Stderr, "gap: seq %d follows %d\n", f.Seq, wm)
		}
		disp, err := rec.Handle(ctx, f)
		if err != nil {
			fmt.Fprintf(os.Stderr, "seq %d (%s): %v\n", f.Seq, f.Type, err)
			os.Exit(1)
		}
		if disp == reconcile.Applied {
			applied++
		} else {
			skipped++
		}
	}

	out, _ := store.Current()
	fmt.Printf("replay ok: applied=%d skipped=%d gaps=%d last_seq=%d story=%d location=%q\n",
		applied, skipped, gaps, rec.Watermark(sess.ID), len(out.Story), out.World.CurrentLocation)
	if len(outcomes) > 0 {
		keys := make([]string, 0, len(outcomes))
		for k := range outcomes {
			keys = append(keys, string(k))
		}
		sort.Strings(keys)
		fmt.Print("outcomes:")
		for _, k := range keys {
			fmt.Printf(" %s=%d", k, outcomes[session.PendingStatus(k)])
		}
		fmt.Println()
	}

	if *outPath != "" {
		if err := snapshot.Write(*outPath, snapshot.New(out, time.Now().UTC())); err != nil {
			fmt.Fprintln(os.Stderr, "write snapshot:", err)
			os.Exit(1)
		}
	}
}

// readJournal collects the frames of sessionID in sequence order and
// counts its action outcomes by status.
func readJournal(dir, sessionID string) ([]protocol.Frame, map[session.PendingStatus]int, error) {
	files, err := journal.Files(dir)
	if err != nil {
		return nil, nil, err
	}
	if len(files) == 0 {
		return nil, nil, fmt.Errorf("no journal files in %s", dir)
	}
	var frames []protocol.Frame
	outcomes := map[session.PendingStatus]int{}
	for _, path := range files {
		recs, err := journal.ReadAll(path)
		if err != nil {
			return nil, nil, err
		}
		for _, r := range recs {
			switch {
			case r.Frame != nil && r.Frame.SessionID == sessionID:
				frames = append(frames, *r.Frame)
			case r.Outcome != nil && r.Outcome.SessionID == sessionID:
				outcomes[r.Outcome.Status]++
			}
		}
	}
	sort.SliceStable(frames, func(i, j int) bool { return frames[i].Seq < frames[j].Seq })
	return frames, outcomes, nil
}
