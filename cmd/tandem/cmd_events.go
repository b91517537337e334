package main

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"tandem/pkg/eventlog"
	"tandem/pkg/protocol"
	"tandem/pkg/store"
)

type eventsOptions struct {
	session string
	typ     string
	tail    int
	follow  bool
}

// newEventsCmd creates the "tandem events" subcommand.
func newEventsCmd(o *rootOptions) *cobra.Command {
	var eo eventsOptions
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query and tail the notification and telemetry log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, o, func(a *app) error {
				p := newPrinter(cmd, o)
				if eo.session != "" {
					id, err := resolveID(cmd.Context(), a, eo.session)
					if err != nil {
						return emit(p, struct{}{}, err, nil)
					}
					eo.session = id
				}
				events, err := a.events.Query(cmd.Context(), eventlog.QueryOpts{
					SessionID: eo.session,
					EventType: eo.typ,
					Limit:     eo.tail,
				})
				if err != nil {
					return emit(p, events, err, nil)
				}
				// Newest first from the query; print oldest first.
				slices.Reverse(events)
				if !eo.follow {
					return emit(p, events, nil, p.events)
				}
				p.events(events)
				var last int64
				if len(events) > 0 {
					last = events[len(events)-1].ID
				}
				return followEvents(cmd.Context(), a.events, p, eo, last)
			})
		},
	}
	cmd.Flags().StringVarP(&eo.session, "session", "s", "", "only events for this session")
	cmd.Flags().StringVarP(&eo.typ, "type", "t", "", "only events of this type (e.g. iteration_done)")
	cmd.Flags().IntVar(&eo.tail, "tail", 20, "number of recent events to show")
	cmd.Flags().BoolVarP(&eo.follow, "follow", "f", false, "poll for new events every second")
	return cmd
}

// followEvents polls for events newer than last until ctx is done.
func followEvents(ctx context.Context, r *eventlog.Reader, p *printer, eo eventsOptions, last int64) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		events, err := r.Query(ctx, eventlog.QueryOpts{
			SessionID: eo.session,
			EventType: eo.typ,
			AfterID:   last,
			Ascending: true,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		p.events(events)
		if len(events) > 0 {
			last = events[len(events)-1].ID
		}
	}
}

// newWatchCmd creates the "tandem watch" subcommand: the session table is
// reprinted whenever the state database changes.
func newWatchCmd(o *rootOptions) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Reprint the session list whenever state changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, o, func(a *app) error {
				p := newPrinter(cmd, o)
				p.json = false
				filter := store.ListFilter{Status: protocol.Status(status)}
				render := func() error {
					list, err := a.mgr.List(cmd.Context(), filter)
					if err != nil {
						return err
					}
					fmt.Fprintf(p.w, "%s\n", p.t.muted.Render(time.Now().Format(time.TimeOnly)))
					p.sessions(list)
					return nil
				}
				if err := render(); err != nil {
					return err
				}
				return watchDB(cmd.Context(), a.cfg.DBPath, render)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only sessions with this status")
	return cmd
}

// watchDB calls onChange, debounced, whenever a file of the database at
// path (including its WAL) is written. It returns when ctx is done.
func watchDB(ctx context.Context, path string, onChange func() error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	base := filepath.Base(path)

	debounce := newDebounceTimer()
	defer debounce.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isDBFile(filepath.Base(ev.Name), base) || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			resetDebounceTimer(debounce)
		case <-debounce.C:
			if err := onChange(); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}
}

func isDBFile(name, base string) bool {
	return name == base || name == base+"-wal"
}

// newDebounceTimer returns a stopped timer.
func newDebounceTimer() *time.Timer {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	return timer
}

// resetDebounceTimer restarts the debounce period. Since Go 1.23 Reset
// discards any value left in the channel.
func resetDebounceTimer(timer *time.Timer) {
	const debounceDuration = 150 * time.Millisecond
	timer.Reset(debounceDuration)
}
