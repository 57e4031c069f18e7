// Command deckwatch is a live issue viewer for an issuedeck server.
// It subscribes to one live query, mirrors it locally, and reprints the
// issue list whenever a push changes the mirror.
//
// Usage:
//
//	deckwatch [-config path] [-url ws://host:port/ws] [-key tab:issues]
//	          [-kind all-issues] [-search term] [-update id -fields k=v,...]
//	deckwatch -workspaces
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/issuedeck/client/internal/config"
	"github.com/issuedeck/client/internal/conn"
	"github.com/issuedeck/client/internal/discovery"
	"github.com/issuedeck/client/internal/mirror"
	"github.com/issuedeck/client/internal/prefs"
	"github.com/issuedeck/client/internal/subscribe"
	"github.com/issuedeck/client/internal/view"
	"github.com/issuedeck/client/internal/wire"
	"github.com/issuedeck/client/internal/workspace"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config file (default ~/.issuedeck/config.toml)")
		serverURL  = flag.String("url", "", "server WebSocket URL (overrides config)")
		key        = flag.String("key", "", "subscription key (default: last used, else tab:issues)")
		kind       = flag.String("kind", "all-issues", "query spec kind")
		search     = flag.String("search", "", "local title/id filter")
		updateID   = flag.String("update", "", "issue id to update before watching")
		fields     = flag.String("fields", "", "comma-separated field=value pairs for -update")
		workspaces = flag.Bool("workspaces", false, "list discovered workspaces and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "deckwatch: %v\n", err)
		os.Exit(1)
	}

	if *workspaces {
		if err := listWorkspaces(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "deckwatch: %v\n", err)
			os.Exit(1)
		}
		return
	}

	url := resolveServerURL(cfg, *serverURL)
	if url == "" {
		fmt.Fprintln(os.Stderr, "deckwatch: no server URL configured and none discovered on the LAN")
		os.Exit(1)
	}

	store := openPrefs(cfg)
	if store != nil {
		defer store.Close()
	}

	subKey := *key
	if subKey == "" {
		subKey = "tab:issues"
		if store != nil {
			subKey = store.GetDefault(prefs.KeyActiveTab, subKey)
		}
	}
	spec := wire.Spec{Kind: *kind}

	if err := watch(cfg, url, subKey, spec, *search, *updateID, *fields); err != nil {
		fmt.Fprintf(os.Stderr, "deckwatch: %v\n", err)
		os.Exit(1)
	}

	if store != nil {
		store.Set(prefs.KeyActiveTab, subKey)
	}
}

// resolveServerURL picks the server address: flag, then config, then mDNS.
func resolveServerURL(cfg *config.Config, flagURL string) string {
	if flagURL != "" {
		return flagURL
	}
	if cfg.ServerURL != "" {
		return cfg.ServerURL
	}

	timeout := time.Duration(cfg.DiscoveryTimeoutMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	fmt.Fprintf(os.Stderr, "deckwatch: no server configured, browsing the LAN for %s...\n", timeout)
	ep, found, err := discovery.First(ctx)
	if err != nil || !found {
		return ""
	}
	fmt.Fprintf(os.Stderr, "deckwatch: discovered %s (%s)\n", ep.Name, ep.URL())
	return ep.URL()
}

func openPrefs(cfg *config.Config) *prefs.Store {
	if cfg.PrefsDB == "" {
		return nil
	}
	store, err := prefs.Open(cfg.PrefsDB)
	if err != nil {
		// Preferences are cosmetic; run without them.
		log.Printf("deckwatch: preferences unavailable: %v", err)
		return nil
	}
	return store
}

func listWorkspaces(cfg *config.Config) error {
	finder := workspace.NewFinder(cfg.WorkspaceRegistry, cfg.ScanRoots...)
	descriptors, err := finder.Discover()
	if err != nil {
		return err
	}
	if len(descriptors) == 0 {
		fmt.Println("no workspaces found")
		return nil
	}
	for _, desc := range descriptors {
		state := "dead"
		if desc.Alive {
			state = "alive"
		}
		fmt.Printf("%s\t%s\tpid=%d (%s)\n", desc.Path, desc.Database, desc.PID, state)
	}
	return nil
}

func watch(cfg *config.Config, url, key string, spec wire.Spec, search, updateID, fields string) error {
	reg := mirror.NewRegistry()

	c := conn.New(url, conn.Options{
		Token:          cfg.Token,
		BackoffInitial: time.Duration(cfg.ReconnectInitialMs) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.ReconnectMaxMs) * time.Millisecond,
	})
	mgr := subscribe.NewManager(c)

	// Pushes land in the mirror; the mirror's change notification redraws.
	c.On(wire.MessageTypePush, func(payload json.RawMessage) {
		var env wire.PushEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			log.Printf("deckwatch: undecodable push: %v", err)
			return
		}
		reg.ApplyPush(env)
	})

	// A workspace switch invalidates every mirror; resubscribing refetches
	// fresh snapshots into the existing stores.
	c.On(wire.MessageTypeWorkspaceChanged, func(payload json.RawMessage) {
		var wc wire.WorkspaceChangedPayload
		json.Unmarshal(payload, &wc)
		log.Printf("deckwatch: server switched workspace to %s, refetching", wc.Path)
		mgr.ResubscribeAll(context.Background())
	})

	c.OnStateChange(func(state conn.State) {
		log.Printf("deckwatch: connection %s", state)
		mgr.HandleConnectionState(state == conn.StateOpen)
	})

	filter := view.Filter{Search: search}
	reg.OnChange(func(changed string) {
		if changed != key {
			return
		}
		render(filter.Apply(view.SortOpen(view.SelectIssues(reg, key))))
	})

	// Store first, then subscribe: the initial snapshot must find its
	// mirror already in place.
	reg.Register(key, spec)

	if err := c.Connect(context.Background()); err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	release, err := mgr.Subscribe(ctx, key, spec)
	cancel()
	if err != nil {
		return err
	}

	if updateID != "" {
		if err := sendUpdate(c, updateID, fields); err != nil {
			return err
		}
	}

	fmt.Printf("watching %s (kind %s) on %s — Ctrl-C to exit\n", key, spec.Kind, url)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	<-interrupt

	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := release.Release(ctx); err != nil {
		log.Printf("deckwatch: release failed: %v", err)
	}
	reg.Unregister(key)
	return nil
}

// sendUpdate issues a one-shot issue.update call. The mutation is never
// applied locally; its effect arrives as a later push.
func sendUpdate(c *conn.Conn, id, fields string) error {
	parsed := make(map[string]interface{})
	for _, pair := range strings.Split(fields, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("malformed -fields entry %q (want field=value)", pair)
		}
		parsed[k] = v
	}
	if len(parsed) == 0 {
		return fmt.Errorf("-update requires -fields")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := c.Call(ctx, wire.MessageTypeIssueUpdate, wire.IssueUpdatePayload{
		ID:     id,
		Fields: parsed,
	})
	return err
}

func render(issues []wire.Issue) {
	fmt.Printf("--- %d issue(s) @ %s ---\n", len(issues), time.Now().Format("15:04:05"))
	for _, issue := range issues {
		line := fmt.Sprintf("%-8s %-12s p%d  %s", issue.ID, issue.Status, issue.Priority, issue.Title)
		if issue.Assignee != "" {
			line += "  @" + issue.Assignee
		}
		fmt.Println(line)
	}
}
