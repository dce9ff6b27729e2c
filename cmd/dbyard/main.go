// Command dbyard turns a directory of SQLite database files into a set
// of running local network services, supervising them from the
// filesystem as the only source of truth.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/netspective-labs/db-yard/internal/adminserver"
	"github.com/netspective-labs/db-yard/internal/discovery"
	"github.com/netspective-labs/db-yard/internal/model"
	"github.com/netspective-labs/db-yard/internal/orchestrator"
	"github.com/netspective-labs/db-yard/internal/proxyconf"
	"github.com/netspective-labs/db-yard/internal/scheduler"
)

type globList []string

func (g *globList) String() string     { return strings.Join(*g, ",") }
func (g *globList) Set(v string) error { *g = append(*g, v); return nil }

type globalFlags struct {
	cargoHome       string
	spawnStateHome  string
	watch           globList
	listen          string
	reconcileMs     int
	adoptForeign    bool
	verbose         string
	adminPort       int
	adminHost       string
	killAllOnExit   bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: dbyard <start|watch|ls|ps|kill|proxy-conf> [flags]")
		return 2
	}

	cmd := args[0]
	rest := args[1:]

	switch cmd {
	case "start":
		return cmdStart(rest)
	case "watch":
		return cmdWatch(rest)
	case "ls":
		return cmdLs(rest)
	case "ps":
		return cmdPs(rest)
	case "kill":
		return cmdKill(rest)
	case "proxy-conf":
		return cmdProxyConf(rest)
	default:
		fmt.Fprintf(os.Stderr, "dbyard: unknown command %q\n", cmd)
		return 2
	}
}

func bindGlobalFlags(fs *flag.FlagSet) *globalFlags {
	g := &globalFlags{}
	fs.StringVar(&g.cargoHome, "cargo-home", ".", "root to discover cargo")
	fs.StringVar(&g.spawnStateHome, "spawn-state-home", ".db-yard", "ledger root")
	fs.Var(&g.watch, "watch", "glob override (repeatable)")
	fs.StringVar(&g.listen, "listen", "127.0.0.1", "bind host for children")
	fs.IntVar(&g.reconcileMs, "reconcile-ms", int(scheduler.DefaultSweepInterval/time.Millisecond), "periodic sweep interval")
	fs.BoolVar(&g.adoptForeign, "adopt-foreign-state", false, "allow reconciliation over records owned by a different token")
	fs.StringVar(&g.verbose, "verbose", "essential", "event verbosity: essential|comprehensive")
	fs.IntVar(&g.adminPort, "admin-port", 0, "optionally bind admin HTTP surface")
	fs.StringVar(&g.adminHost, "admin-host", "127.0.0.1", "admin HTTP surface bind host")
	fs.BoolVar(&g.killAllOnExit, "kill-all-on-exit", false, "terminate all owned pids on exit")
	return g
}

func newLogger(g *globalFlags) hclog.Logger {
	level := hclog.Info
	if g.verbose == "comprehensive" {
		level = hclog.Debug
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:  "dbyard",
		Level: level,
	})
}

func discoveryRoots(g *globalFlags) []discovery.Root {
	return []discovery.Root{{Path: g.cargoHome, Globs: []string(g.watch)}}
}

func orchestratorConfig(g *globalFlags) orchestrator.Config {
	return orchestrator.Config{
		Roots:             discoveryRoots(g),
		LedgerRoot:        g.spawnStateHome,
		ListenHost:        g.listen,
		PortStart:         9000,
		BackoffMs:         0, // 0 defers to reconciler.RespawnBackoffMs
		AdoptForeignState: g.adoptForeign,
	}
}

func maybeStartAdmin(g *globalFlags, logger hclog.Logger, sessionHome string) {
	if g.adminPort == 0 {
		return
	}
	srv := adminserver.New(adminserver.Config{SessionHome: sessionHome, Logger: logger})
	addr := fmt.Sprintf("%s:%d", g.adminHost, g.adminPort)
	go func() {
		logger.Info("admin server listening", "addr", addr)
		if err := http.ListenAndServe(addr, srv); err != nil {
			logger.Error("admin server exited", "error", err)
		}
	}()
}

func cmdStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	g := bindGlobalFlags(fs)
	_ = fs.Parse(args)

	logger := newLogger(g)
	orch := orchestrator.New(orchestratorConfig(g), nil, logger)
	if _, err := orch.StartSession(); err != nil {
		fmt.Fprintf(os.Stderr, "dbyard: start session: %v\n", err)
		return 1
	}

	maybeStartAdmin(g, logger, orch.Session().Home)

	sched := scheduler.New(orch, logger, time.Duration(g.reconcileMs)*time.Millisecond, scheduler.DefaultDebounce)
	summary, err := sched.Materialize()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dbyard: materialize: %v\n", err)
		return 1
	}

	fmt.Printf("discovered=%d spawned=%d refreshed=%d stopped=%d skipped=%d errored=%d\n",
		summary.Discovered, summary.Spawned, summary.Refreshed, summary.Stopped, summary.Skipped, summary.Errored)

	if summary.Errored > 0 {
		return 1
	}
	return 0
}

func cmdWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	g := bindGlobalFlags(fs)
	_ = fs.Parse(args)

	logger := newLogger(g)
	orch := orchestrator.New(orchestratorConfig(g), nil, logger)
	if _, err := orch.StartSession(); err != nil {
		fmt.Fprintf(os.Stderr, "dbyard: start session: %v\n", err)
		return 1
	}

	maybeStartAdmin(g, logger, orch.Session().Home)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())

	var received os.Signal
	go func() {
		received = <-sigCh
		cancel()
	}()

	sched := scheduler.New(orch, logger, time.Duration(g.reconcileMs)*time.Millisecond, scheduler.DefaultDebounce)
	_, err := sched.Watch(ctx, discoveryRoots(g), g.killAllOnExit)
	signal.Stop(sigCh)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dbyard: watch: %v\n", err)
		return 1
	}

	switch received {
	case syscall.SIGTERM:
		return 143
	case syscall.SIGINT:
		return 130
	default:
		return 0
	}
}

func cmdLs(args []string) int {
	fs := flag.NewFlagSet("ls", flag.ExitOnError)
	g := bindGlobalFlags(fs)
	_ = fs.Parse(args)

	orch := orchestrator.New(orchestratorConfig(g), nil, newLogger(g))
	for _, st := range orch.ListSessionStates(g.spawnStateHome) {
		if st.ParseError != nil {
			fmt.Printf("%s\tERROR\t%v\n", st.ContextPath, st.ParseError)
			continue
		}
		state := "dead"
		if st.Alive {
			state = "alive"
		}
		fmt.Printf("%s\t%s\tpid=%d\t%s\n", st.Context.Service.ID, state, st.Context.Spawned.PID, st.Context.Service.UpstreamURL)
	}
	return 0
}

func cmdPs(args []string) int {
	fs := flag.NewFlagSet("ps", flag.ExitOnError)
	g := bindGlobalFlags(fs)
	_ = fs.Parse(args)

	orch := orchestrator.New(orchestratorConfig(g), nil, newLogger(g))
	tagged, err := orch.ListTaggedProcesses()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dbyard: ps: %v\n", err)
		return 1
	}
	for _, t := range tagged {
		issue := ""
		if t.Issue != "" {
			issue = " issue=" + t.Issue
		}
		fmt.Printf("pid=%d session=%s service=%s%s\n", t.PID, t.SessionID, t.ServiceID, issue)
	}
	return 0
}

func cmdKill(args []string) int {
	fs := flag.NewFlagSet("kill", flag.ExitOnError)
	g := bindGlobalFlags(fs)
	clean := fs.Bool("clean", false, "remove the state directory once every record is gone")
	_ = fs.Parse(args)

	orch := orchestrator.New(orchestratorConfig(g), nil, newLogger(g))
	summary := orch.Kill(g.spawnStateHome, *clean)
	fmt.Printf("killed=%d removed=%d errors=%d\n", summary.Killed, summary.Removed, len(summary.Errors))
	for _, e := range summary.Errors {
		fmt.Fprintln(os.Stderr, "dbyard: kill:", e)
	}
	if len(summary.Errors) > 0 {
		return 1
	}
	return 0
}

func cmdProxyConf(args []string) int {
	fs := flag.NewFlagSet("proxy-conf", flag.ExitOnError)
	g := bindGlobalFlags(fs)
	typ := fs.String("type", "both", "nginx|traefik|both")
	nginxOut := fs.String("nginx-out", "", "directory to write nginx config into")
	traefikOut := fs.String("traefik-out", "", "directory to write traefik config into")
	_ = fs.Parse(args)

	orch := orchestrator.New(orchestratorConfig(g), nil, newLogger(g))
	contexts := contextsFromStates(orch.ListSessionStates(g.spawnStateHome))

	if *typ == "nginx" || *typ == "both" {
		if err := emit(proxyconf.GenerateNginx(contexts), *nginxOut); err != nil {
			fmt.Fprintf(os.Stderr, "dbyard: proxy-conf nginx: %v\n", err)
			return 1
		}
	}
	if *typ == "traefik" || *typ == "both" {
		if err := emit(proxyconf.GenerateTraefik(contexts), *traefikOut); err != nil {
			fmt.Fprintf(os.Stderr, "dbyard: proxy-conf traefik: %v\n", err)
			return 1
		}
	}
	return 0
}

// contextsFromStates extracts the parsed manifests from a ledger scan,
// skipping entries that failed to parse.
func contextsFromStates(states []model.SpawnedState) []model.SpawnedContext {
	out := make([]model.SpawnedContext, 0, len(states))
	for _, st := range states {
		if st.ParseError != nil || st.Context == nil {
			continue
		}
		out = append(out, *st.Context)
	}
	return out
}

func emit(files []proxyconf.Generated, outDir string) error {
	if outDir == "" {
		for _, f := range files {
			fmt.Printf("# %s\n%s\n", f.Filename, f.Content)
		}
		return nil
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}
	for _, f := range files {
		if err := os.WriteFile(outDir+string(os.PathSeparator)+f.Filename, []byte(f.Content), 0o644); err != nil {
			return err
		}
	}
	return nil
}
