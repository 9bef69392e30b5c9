// nwvm CLI - runs compiled NWScript (.ncs) programs on the console host
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/nwvm/actions"
	"github.com/chazu/nwvm/config"
	"github.com/chazu/nwvm/host"
	"github.com/chazu/nwvm/pkg/ncs"
	"github.com/chazu/nwvm/server"
	"github.com/chazu/nwvm/vm"
)

// stringList is a repeatable string flag.
type stringList []string

func (l *stringList) String() string     { return strings.Join(*l, ",") }
func (l *stringList) Set(s string) error { *l = append(*l, s); return nil }

// counter is a repeatable boolean flag, as in -v -v.
type counter int

func (c *counter) String() string   { return strconv.Itoa(int(*c)) }
func (c *counter) Set(string) error { *c++; return nil }
func (c *counter) IsBoolFlag() bool { return true }

func main() {
	os.Exit(run())
}

// run is the body of main. It returns the exit code so deferred cleanup
// runs first.
func run() int {
	var dirs, params, imports stringList
	var verbosity counter
	configDir := flag.String("config", "", "Directory holding nwvm.toml (default: search upward from the working directory)")
	flag.Var(&dirs, "dir", "Script directory, searched before configured ones (repeatable)")
	dbPath := flag.String("db", "", "SQLite script and situation database")
	selfFlag := flag.String("self", "0x7f000000", "Object the script runs on")
	flag.Var(&params, "param", "Parameter for the script's main (repeatable)")
	disasm := flag.Bool("disasm", false, "Disassemble the script instead of running it")
	serveMode := flag.Bool("serve", false, "Start the script server (gRPC + Connect HTTP/JSON)")
	servePort := flag.Int("port", 0, "Script server port (used with -serve; default from config)")
	interpret := flag.Bool("interpret", false, "Never compile scripts")
	stats := flag.Bool("stats", false, "Print per-script statistics on exit")
	flag.Var(&imports, "import", "Store a .ncs file in the database (repeatable)")
	dumpActions := flag.Bool("dump-actions", false, "Print the action table as YAML and exit")
	flag.Var(&verbosity, "v", "Verbose logging (repeat for more)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: nwvm [options] [script]\n\n")
		fmt.Fprintf(os.Stderr, "Runs a compiled NWScript program and waits for its delayed commands.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  nwvm -dir ./scripts hello                # Run scripts/hello.ncs\n")
		fmt.Fprintf(os.Stderr, "  nwvm -param 3 -param x add_to            # Run main(int, string)\n")
		fmt.Fprintf(os.Stderr, "  nwvm -disasm hello                       # Print the instructions\n")
		fmt.Fprintf(os.Stderr, "  nwvm -db scripts.db -import hello.ncs    # Store a script\n")
		fmt.Fprintf(os.Stderr, "\nScript Server:\n")
		fmt.Fprintf(os.Stderr, "  nwvm -serve -port 8080                   # Serve on :8080\n")
	}
	flag.Parse()

	cfg, err := loadConfig(*configDir)
	if err != nil {
		return fail(err)
	}
	for _, d := range dirs {
		abs, err := filepath.Abs(d)
		if err != nil {
			return fail(err)
		}
		cfg.Resources.Dirs = append([]string{abs}, cfg.Resources.Dirs...)
	}
	if *dbPath != "" {
		if cfg.Resources.Database, err = filepath.Abs(*dbPath); err != nil {
			return fail(err)
		}
	}
	if *interpret {
		cfg.JIT.Enabled = false
	}
	if *servePort > 0 {
		cfg.Server.Addr = fmt.Sprintf(":%d", *servePort)
	}
	cfg.ConfigureLogging(int(verbosity))
	log := commonlog.GetLogger("nwvm")

	table, err := cfg.ActionTable()
	if err != nil {
		return fail(err)
	}
	if *dumpActions {
		if err := actions.WriteDefinitions(os.Stdout, table); err != nil {
			return fail(err)
		}
		return 0
	}

	// Script sources: directories first, then the database.
	provider := host.ChainProvider{host.NewDirectoryProvider(cfg.ResourceDirPaths()...)}
	var db *sql.DB
	var store *host.SQLiteProvider
	if path := cfg.DatabasePath(); path != "" {
		if db, err = host.OpenDatabase(path); err != nil {
			return fail(err)
		}
		defer db.Close()
		store = host.NewSQLiteProvider(db)
		provider = append(provider, store)
	}

	if len(imports) > 0 {
		if store == nil {
			return fail(errors.New("-import needs a database (-db or [resources] database)"))
		}
		for _, path := range imports {
			if err := importScript(store, path); err != nil {
				return fail(err)
			}
		}
		if flag.NArg() == 0 && !*serveMode {
			return 0
		}
	}

	// Timers fire through the worker, which is created once the runtime
	// exists; no timer starts before a script runs.
	var worker *host.Worker
	h := actions.NewHost(table, actions.WithOutput(os.Stdout))
	rt := host.NewRuntime(table, h, provider, host.Options{
		VM:     cfg.VMConfig(),
		Policy: cfg.Policy(),
		Timers: host.NewWallClockTimers(func(fn func()) { worker.Post(fn) }),
	})
	h.SetScheduler(rt.Scheduler())
	worker = host.NewWorker(rt)
	defer worker.Stop()

	var situations *host.SituationStore
	if db != nil {
		situations = host.NewSituationStore(db)
		worker.Do(func(rt *host.Runtime) error {
			n, err := rt.RestoreSituations(situations)
			if err != nil {
				log.Errorf("restoring situations: %s", err)
			} else if n > 0 {
				log.Infof("restored %d situations", n)
			}
			rt.Situations().InitiatePending()
			return nil
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *serveMode {
		srv := server.New(worker, server.WithScriptStore(store))
		httpSrv := srv.HTTPServer(cfg.Server.Addr)
		go func() {
			<-ctx.Done()
			httpSrv.Close()
		}()
		fmt.Printf("nwvm script server listening on %s\n", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fail(err)
		}
		shutdown(worker, situations, *stats)
		srv.Stop()
		return 0
	}

	if flag.NArg() != 1 {
		flag.Usage()
		return 2
	}
	name := flag.Arg(0)

	if *disasm {
		err := worker.Do(func(rt *host.Runtime) error {
			e, err := rt.LoadScript(name)
			if err != nil {
				return err
			}
			fmt.Print(ncs.Disassemble(e.Program))
			return nil
		})
		if err != nil {
			return fail(err)
		}
		return 0
	}

	self, err := strconv.ParseUint(*selfFlag, 0, 32)
	if err != nil {
		return fail(fmt.Errorf("-self: %w", err))
	}

	var code int32
	err = worker.Do(func(rt *host.Runtime) error {
		code, err = runScript(rt, name, vm.ObjectID(self), params)
		return err
	})
	if err == nil {
		waitForSituations(ctx, worker)
	}
	shutdown(worker, situations, *stats)
	if err != nil {
		return fail(err)
	}
	return int(code)
}

func loadConfig(dir string) (*config.Config, error) {
	if dir != "" {
		return config.Load(dir)
	}
	cfg, err := config.FindAndLoad(".")
	if err != nil || cfg != nil {
		return cfg, err
	}
	return config.Default(), nil
}

// runScript runs name on self, converting the -param values for its main.
func runScript(rt *host.Runtime, name string, self vm.ObjectID, params []string) (int32, error) {
	e, err := rt.LoadScript(name)
	if err != nil {
		return 0, err
	}
	args, err := vm.ConvertParameters(e.Program, params)
	if err != nil {
		return 0, err
	}
	return rt.ExecuteScript(name, self, args, 0, host.FlagRaiseOnFailure)
}

// importScript stores path, and its .ndb file when present, under the
// file's base name.
func importScript(store *host.SQLiteProvider, path string) error {
	code, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	name := host.ResourceName(filepath.Base(path))
	if _, err := ncs.Decode(name, code); err != nil {
		return err
	}
	symbols, err := os.ReadFile(strings.TrimSuffix(path, filepath.Ext(path)) + host.SymbolsExt)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := store.PutScript(name, code, symbols); err != nil {
		return err
	}
	fmt.Printf("imported %s (%d bytes)\n", name, len(code))
	return nil
}

// waitForSituations blocks until no deferred situation is left or ctx is
// cancelled.
func waitForSituations(ctx context.Context, worker *host.Worker) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		var pending, active int
		if err := worker.Do(func(rt *host.Runtime) error {
			pending, active = rt.Situations().Counts()
			return nil
		}); err != nil || pending+active == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// shutdown saves or drops the situations still waiting and prints the
// statistics.
func shutdown(worker *host.Worker, store *host.SituationStore, stats bool) {
	log := commonlog.GetLogger("nwvm")
	worker.Do(func(rt *host.Runtime) error {
		if store != nil {
			n, err := rt.PersistSituations(store)
			if err != nil {
				log.Errorf("saving situations: %s", err)
			} else if n > 0 {
				log.Infof("saved %d situations", n)
			}
		}
		rt.Situations().CancelAll()
		if stats {
			printStatistics(rt)
		}
		return nil
	})
	worker.Stop()
}

func printStatistics(rt *host.Runtime) {
	instructions, actionCalls := rt.VM().Stats()
	fmt.Printf("%d instructions, %d action calls\n", instructions, actionCalls)
	for _, s := range rt.DumpStatistics() {
		mode := "interpreted"
		switch {
		case s.Broken:
			mode = "broken"
		case s.Compiled:
			mode = "compiled"
		}
		fmt.Printf("  %-32s %-11s calls=%d situations=%d runtime=%s\n",
			s.Name, mode, s.Calls, s.Situations, s.Runtime)
	}
}

func fail(err error) int {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}
