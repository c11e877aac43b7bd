// warden - rcon administration and player tracking for Quake3-derived
// game servers
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/ernie/warden/internal/bus"
	"github.com/ernie/warden/internal/collector"
	"github.com/ernie/warden/internal/config"
	"github.com/ernie/warden/internal/dialect"
	"github.com/ernie/warden/internal/domain"
	"github.com/ernie/warden/internal/guard"
	"github.com/ernie/warden/internal/rcon"
	"github.com/ernie/warden/internal/storage"
)

var version = "dev"

const defaultConfigPath = "/etc/warden/config.yml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "players":
		cmdPlayers(os.Args[2:])
	case "rcon":
		cmdRcon(os.Args[2:])
	case "say":
		cmdSay(os.Args[2:])
	case "kick":
		cmdKick(os.Args[2:])
	case "penalties":
		cmdPenalties(os.Args[2:])
	case "level":
		cmdLevel(os.Args[2:])
	case "tail":
		cmdTail(os.Args[2:])
	case "version":
		fmt.Printf("warden %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: warden <command> [options] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                               Run the reconciliation daemon")
	fmt.Println("  status                              Show all configured servers")
	fmt.Println("  players [<server>]                  Show current players")
	fmt.Println("  rcon <server> <command...>          Send a raw rcon command")
	fmt.Println("  say <server> <message...>           Broadcast a chat message")
	fmt.Println("  kick <server> <slot|name> [--reason R]")
	fmt.Println("                                      Kick a player and record the penalty")
	fmt.Println("  penalties <guid|name>               Show a player's moderation history")
	fmt.Println("  level <guid|name> <level>           Set a player's trust level")
	fmt.Println("  tail <server> [--lines N]           Show the tail of a server's game log")
	fmt.Println("  version                             Show version")
	fmt.Println("  help                                Show this help")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  --config <path>    Path to configuration file (default /etc/warden/config.yml)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  warden serve --config warden.yml")
	fmt.Println("  warden players scrim")
	fmt.Println("  warden kick scrim 4 --reason 'team killing'")
	fmt.Println("  warden rcon scrim map mp_crash")
}

// cmdServe runs the daemon: one instance per configured server, the shared
// sqlite store, log watchers, and the optional NATS bridge.
func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfgPath := *configPath
	if cfgPath == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			cfgPath = defaultConfigPath
		} else {
			log.Fatalf("No config file found at %s. Use --config to specify one.", defaultConfigPath)
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if len(cfg.Servers) == 0 {
		log.Fatal("No servers configured")
	}

	log.Printf("Warden %s starting, managing %d servers", version, len(cfg.Servers))

	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer store.Close()
	log.Printf("Database at %s", cfg.Database.Path)

	var publisher *bus.Publisher
	if cfg.NATS.Enabled {
		publisher, err = bus.Connect(bus.Options{
			URL:           cfg.NATS.URL,
			Embedded:      cfg.NATS.Embedded,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
		})
		if err != nil {
			log.Fatalf("Failed to connect event bus: %v", err)
		}
		defer publisher.Close()
		log.Printf("Event bus connected (%s)", publisher.URL())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := guard.NewRegistry()
	var watchers []*collector.Watcher

	for _, srv := range cfg.Servers {
		d, err := dialect.ByName(srv.Dialect)
		if err != nil {
			log.Fatalf("Server %q: %v", srv.Name, err)
		}

		password := srv.RconPassword
		if password == "" {
			password, err = promptPassword(fmt.Sprintf("rcon password for %s: ", srv.Name))
			if err != nil {
				log.Fatalf("Server %q: %v", srv.Name, err)
			}
		}

		host, rconPort, pw, debug := srv.Host, srv.RconPort, password, cfg.Debug
		dial := func() (guard.Commander, error) {
			t, err := rcon.DialWith(host, rconPort, pw, rcon.WithDebug(debug))
			if err != nil {
				return nil, err
			}
			return rcon.NewClient(t, d), nil
		}

		inst := guard.NewInstance(guard.Config{
			ID:           srv.ID,
			Name:         srv.Name,
			Host:         srv.Host,
			Port:         srv.Port,
			RconPort:     srv.RconPort,
			Password:     password,
			Dialect:      srv.Dialect,
			PollInterval: srv.PollInterval,
		}, dial, store, store)

		if err := registry.Add(inst); err != nil {
			log.Fatalf("Server %q: %v", srv.Name, err)
		}

		if srv.LogPath != "" {
			w := collector.NewWatcher(srv.ID, d, srv.LogPath)
			if err := w.Start(); err != nil {
				log.Printf("Server %q: log watcher disabled: %v", srv.Name, err)
			} else {
				watchers = append(watchers, w)
				log.Printf("Server %q: watching %s", srv.Name, srv.LogPath)
			}
		}
	}

	registry.StartAll(ctx)

	if publisher != nil {
		go publisher.Run(ctx, registry.Events())
		for _, w := range watchers {
			go publisher.Run(ctx, w.Events())
		}
	} else {
		go drainForever(ctx, registry.Events())
		for _, w := range watchers {
			go drainForever(ctx, w.Events())
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received signal %v, shutting down...", sig)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	for _, w := range watchers {
		w.Stop()
	}
	registry.Close(stopCtx)
	cancel()
	log.Println("Shutdown complete")
}

// drainForever keeps an event channel from backing up when no bus is
// configured
func drainForever(ctx context.Context, events <-chan domain.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-events:
		}
	}
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	fs.Parse(args)

	cfg := mustLoadConfig(*configPath)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tMAP\tPLAYERS\tSTATUS")
	fmt.Fprintln(w, "------\t---\t-------\t------")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, srv := range cfg.Servers {
		client, err := dialOneShot(srv)
		if err != nil {
			fmt.Fprintf(w, "%s\t-\t-\tUNREACHABLE\n", srv.Name)
			continue
		}
		status, err := client.Status(ctx)
		client.Close()
		if err != nil {
			fmt.Fprintf(w, "%s\t-\t-\tOFFLINE\n", srv.Name)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%d\tONLINE\n", srv.Name, status.Map, len(status.Slots))
	}
	w.Flush()
}

func cmdPlayers(args []string) {
	fs := flag.NewFlagSet("players", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	fs.Parse(args)

	cfg := mustLoadConfig(*configPath)
	servers := cfg.Servers
	if rest := fs.Args(); len(rest) > 0 {
		servers = []config.GameServer{mustFindServer(cfg, rest[0])}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tSLOT\tPLAYER\tSCORE\tPING\tGUID")
	fmt.Fprintln(w, "------\t----\t------\t-----\t----\t----")

	for _, srv := range servers {
		client, err := dialOneShot(srv)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %s: %v\n", srv.Name, err)
			continue
		}
		status, err := client.Status(ctx)
		client.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %s: %v\n", srv.Name, err)
			continue
		}
		for _, s := range status.Slots {
			guid := s.GUID
			if guid == "" || guid == "0" {
				guid = "-"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\t%s\n", srv.Name, s.Slot, s.CleanName, s.Score, s.Ping, guid)
		}
	}
	w.Flush()
}

func cmdRcon(args []string) {
	fs := flag.NewFlagSet("rcon", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) < 2 {
		fmt.Fprintln(os.Stderr, "usage: warden rcon <server> <command...>")
		os.Exit(1)
	}

	cfg := mustLoadConfig(*configPath)
	srv := mustFindServer(cfg, rest[0])

	client, err := dialOneShot(srv)
	if err != nil {
		fatalf("%v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := client.Raw(ctx, strings.Join(rest[1:], " "))
	if err != nil {
		fatalf("%v", err)
	}
	fmt.Println(out)
}

func cmdSay(args []string) {
	fs := flag.NewFlagSet("say", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) < 2 {
		fmt.Fprintln(os.Stderr, "usage: warden say <server> <message...>")
		os.Exit(1)
	}

	cfg := mustLoadConfig(*configPath)
	srv := mustFindServer(cfg, rest[0])

	client, err := dialOneShot(srv)
	if err != nil {
		fatalf("%v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Say(ctx, strings.Join(rest[1:], " ")); err != nil {
		fatalf("%v", err)
	}
}

// cmdKick resolves the target against a live status snapshot, records the
// penalty and issues the kick
func cmdKick(args []string) {
	fs := flag.NewFlagSet("kick", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	reason := fs.String("reason", "", "reason shown to the player")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) < 2 {
		fmt.Fprintln(os.Stderr, "usage: warden kick <server> <slot|name> [--reason R]")
		os.Exit(1)
	}

	cfg := mustLoadConfig(*configPath)
	srv := mustFindServer(cfg, rest[0])

	client, err := dialOneShot(srv)
	if err != nil {
		fatalf("%v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := client.Status(ctx)
	if err != nil {
		fatalf("querying %s: %v", srv.Name, err)
	}
	target := findSlot(status, rest[1])
	if target == nil {
		fatalf("no player matching %q on %s", rest[1], srv.Name)
	}

	// record first so the penalty survives even if the kick itself fails
	store, err := storage.New(cfg.Database.Path)
	if err == nil {
		defer store.Close()
		err = store.RecordPenalty(ctx, domain.Penalty{
			Type:       domain.PenaltyKick,
			ServerID:   srv.ID,
			PlayerGUID: target.GUID,
			PlayerName: target.CleanName,
			Origin:     domain.OriginConsole,
			Reason:     *reason,
			IssuedAt:   time.Now().UTC(),
		})
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: penalty not recorded: %v\n", err)
	}

	kickReason := *reason
	if kickReason == "" {
		kickReason = "kicked by console"
	}
	if err := client.Kick(ctx, strconv.Itoa(target.Slot), kickReason); err != nil {
		fatalf("kick failed: %v", err)
	}
	fmt.Printf("Kicked %s (slot %d) from %s\n", target.CleanName, target.Slot, srv.Name)
}

func cmdPenalties(args []string) {
	fs := flag.NewFlagSet("penalties", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	limit := fs.Int("limit", 25, "number of entries to show")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "usage: warden penalties <guid|name>")
		os.Exit(1)
	}

	cfg := mustLoadConfig(*configPath)
	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		fatalf("opening database: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	guid, name, err := resolveIdentity(ctx, store, rest[0])
	if err != nil {
		fatalf("%v", err)
	}

	penalties, err := store.PenaltiesForGUID(ctx, guid, *limit)
	if err != nil {
		fatalf("%v", err)
	}
	if len(penalties) == 0 {
		fmt.Printf("No penalties on record for %s\n", name)
		return
	}

	if ban, err := store.ActiveBan(ctx, guid); err == nil && ban != nil {
		if ban.Type == domain.PenaltyBan {
			fmt.Printf("%s is BANNED (since %s)\n\n", name, ban.IssuedAt.Format("2006-01-02 15:04"))
		} else {
			fmt.Printf("%s is banned until %s\n\n", name, ban.IssuedAt.Add(ban.Duration).Format("2006-01-02 15:04"))
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tTYPE\tSERVER\tORIGIN\tREASON")
	fmt.Fprintln(w, "----\t----\t------\t------\t------")
	for _, p := range penalties {
		typ := string(p.Type)
		if p.Type == domain.PenaltyTempBan {
			typ = fmt.Sprintf("tempban(%s)", p.Duration)
		}
		reason := p.Reason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			p.IssuedAt.Format("2006-01-02 15:04"), typ, p.ServerID, p.Origin, reason)
	}
	w.Flush()
}

func cmdLevel(args []string) {
	fs := flag.NewFlagSet("level", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) < 2 {
		fmt.Fprintln(os.Stderr, "usage: warden level <guid|name> <level>")
		os.Exit(1)
	}
	level, err := strconv.Atoi(rest[1])
	if err != nil {
		fatalf("level must be a number: %v", err)
	}

	cfg := mustLoadConfig(*configPath)
	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		fatalf("opening database: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	guid, name, err := resolveIdentity(ctx, store, rest[0])
	if err != nil {
		fatalf("%v", err)
	}
	identity, err := store.GetByGUID(ctx, guid)
	if err != nil || identity == nil {
		fatalf("loading player %s: %v", name, err)
	}
	if err := store.SetLevel(ctx, identity.PlayerID, level); err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("Level for %s set to %d\n", name, level)
}

func cmdTail(args []string) {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	lines := fs.Int("lines", 25, "number of lines to show")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "usage: warden tail <server> [--lines N]")
		os.Exit(1)
	}

	cfg := mustLoadConfig(*configPath)
	srv := mustFindServer(cfg, rest[0])
	if srv.LogPath == "" {
		fatalf("no log_path configured for %s", srv.Name)
	}

	out, err := collector.NewTailer(srv.LogPath).ReadLastLines(*lines)
	if err != nil {
		fatalf("%v", err)
	}
	for _, line := range out {
		fmt.Println(line)
	}
}

// --- helpers ---

func mustLoadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fatalf("%v", err)
	}
	return cfg
}

// mustFindServer resolves a server by numeric id or name
func mustFindServer(cfg *config.Config, identifier string) config.GameServer {
	if id, err := strconv.ParseInt(identifier, 10, 64); err == nil {
		for _, srv := range cfg.Servers {
			if srv.ID == id {
				return srv
			}
		}
	}
	for _, srv := range cfg.Servers {
		if strings.EqualFold(srv.Name, identifier) {
			return srv
		}
	}
	fatalf("no configured server matching %q", identifier)
	return config.GameServer{}
}

// dialOneShot builds a transient rcon client for a CLI command, prompting
// for the password when the config omits it
func dialOneShot(srv config.GameServer) (*rcon.Client, error) {
	d, err := dialect.ByName(srv.Dialect)
	if err != nil {
		return nil, err
	}
	password := srv.RconPassword
	if password == "" {
		password, err = promptPassword(fmt.Sprintf("rcon password for %s: ", srv.Name))
		if err != nil {
			return nil, err
		}
	}
	t, err := rcon.Dial(srv.Host, srv.RconPort, password)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", srv.Name, err)
	}
	return rcon.NewClient(t, d), nil
}

func promptPassword(prompt string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("no rcon password configured and stdin is not a terminal")
	}
	fmt.Print(prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	if len(password) == 0 {
		return "", fmt.Errorf("empty password")
	}
	return string(password), nil
}

// findSlot matches a status slot by number or case-insensitive clean name
func findSlot(status *domain.GameStatus, identifier string) *domain.SlotStatus {
	if n, err := strconv.Atoi(identifier); err == nil {
		return status.SlotByNumber(n)
	}
	clean := domain.CleanName(identifier)
	for i := range status.Slots {
		if strings.EqualFold(status.Slots[i].CleanName, clean) {
			return &status.Slots[i]
		}
	}
	return nil
}

// resolveIdentity turns a GUID or a (partial) name into a stored player,
// returning the GUID and display name
func resolveIdentity(ctx context.Context, store *storage.Store, query string) (string, string, error) {
	if identity, err := store.GetByGUID(ctx, query); err != nil {
		return "", "", err
	} else if identity != nil {
		return identity.GUID, identity.Name, nil
	}
	matches, err := store.SearchPlayers(ctx, query, 5)
	if err != nil {
		return "", "", err
	}
	switch len(matches) {
	case 0:
		return "", "", fmt.Errorf("no player matching %q", query)
	case 1:
		return matches[0].GUID, matches[0].Name, nil
	default:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = fmt.Sprintf("%s (%s)", m.Name, m.GUID)
		}
		return "", "", fmt.Errorf("ambiguous name %q, matches: %s", query, strings.Join(names, ", "))
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
