// Cinder CLI - loads compiled script images and runs them on the host loop
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tliron/commonlog"
	"golang.org/x/term"

	"github.com/chazu/cinder/manifest"
	"github.com/chazu/cinder/server"
	"github.com/chazu/cinder/vm"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("cinder")

func main() {
	verbosity := flag.Int("v", -1, "Log verbosity (overrides cinder.toml; 0 = errors only)")
	logFile := flag.String("log", "", "Write logs to this file instead of stderr")
	configDir := flag.String("C", ".", "Directory to search upwards for cinder.toml")
	disassemble := flag.Bool("dis", false, "Print the disassembly of each image and exit")
	serveAddr := flag.String("serve", "", "Start the debug server on this address (e.g. :7420)")
	console := flag.Bool("console", false, "Start the interactive console (requires a terminal)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: cinder [options] [images...]\n\n")
		fmt.Fprintf(os.Stderr, "Loads compiled script images and runs them until every process exits.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  cinder game.cnd                 # Run one image\n")
		fmt.Fprintf(os.Stderr, "  cinder -dis game.cnd            # Disassemble it\n")
		fmt.Fprintf(os.Stderr, "  cinder -serve :7420 game.cnd    # Run with the debug server\n")
		fmt.Fprintf(os.Stderr, "  cinder -console                 # Run cinder.toml scripts with a console\n")
	}
	flag.Parse()

	if *disassemble {
		os.Exit(runDisassemble(flag.Args()))
	}

	m, err := manifest.FindAndLoad(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	configureLogging(m, *verbosity, *logFile)

	v, err := newVM(m)
	if err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
	if err := loadImages(v, flag.Args()); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}

	tick := 16 * time.Millisecond
	if m != nil {
		tick = m.Debug.Tick
	}

	// All VM access goes through the worker from here on.
	var worker *server.VMWorker
	if *serveAddr != "" {
		var opts []server.Option
		opts = append(opts, server.WithTick(tick))
		if m != nil {
			opts = append(opts, server.WithSessionTTL(m.Debug.SessionTTL, m.Debug.SweepInterval))
		}
		srv := server.New(v, opts...)
		defer srv.Stop()
		worker = srv.Worker()
		go func() {
			if err := srv.ListenAndServe(*serveAddr); err != nil {
				log.Errorf("debug server: %v", err)
			}
		}()
	} else {
		worker = server.NewVMWorker(v, tick)
		defer worker.Stop()
	}

	if *console {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			log.Errorf("-console needs a terminal on stdin")
			os.Exit(1)
		}
		runConsole(worker)
		shutdown(worker)
		return
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigc)

	select {
	case <-worker.Idle():
		log.Infof("all processes finished")
	case sig := <-sigc:
		log.Noticef("received %s, shutting down", sig)
		shutdown(worker)
	}
}

func configureLogging(m *manifest.Manifest, verbosity int, logFile string) {
	if verbosity < 0 {
		verbosity = 1
		if m != nil {
			verbosity = m.Log.Verbosity
		}
	}
	var path *string
	switch {
	case logFile != "":
		path = &logFile
	case m != nil && m.Log.File != "":
		p := m.Log.File
		if !filepath.IsAbs(p) {
			p = filepath.Join(m.Dir, p)
		}
		path = &p
	}
	commonlog.Configure(verbosity, path)
}

// newVM creates a VM configured from m, which may be nil, and loads the
// scripts it lists.
func newVM(m *manifest.Manifest) (*vm.VM, error) {
	if m == nil {
		return vm.New(vm.WithScriptFS(os.DirFS("."))), nil
	}
	fsys := m.ScriptFS()
	v := vm.New(vm.WithConfig(m.ToConfig()), vm.WithScriptFS(fsys))
	scripts, err := m.ResolveScripts(fsys)
	if err != nil {
		return nil, err
	}
	for _, s := range scripts {
		p, err := v.LoadScript(s.URL, s.Cache)
		if err != nil {
			return nil, err
		}
		p.SetPriority(s.Priority)
		log.Infof("loaded %s as process %d", s.URL, p.ID())
	}
	return v, nil
}

// loadImages loads image files named on the command line.
func loadImages(v *vm.VM, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		p, err := v.LoadImage(filepath.ToSlash(path), data)
		if err != nil {
			return err
		}
		log.Infof("loaded %s as process %d", path, p.ID())
	}
	return nil
}

func runDisassemble(paths []string) int {
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "Error: -dis needs at least one image")
		return 2
	}
	status := 0
	for _, path := range paths {
		prog, err := readProgram(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			status = 1
			continue
		}
		fmt.Printf("; %s\n%s\n", path, vm.Disassemble(prog))
	}
	return status
}

func readProgram(path string) (*vm.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	prog, err := vm.DecodeProgram(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	prog.URL = filepath.ToSlash(path)
	return prog, nil
}

// shutdown detaches every process on the VM goroutine.
func shutdown(worker *server.VMWorker) {
	if _, err := worker.Do(func(v *vm.VM) any {
		v.Shutdown()
		return nil
	}); err != nil {
		log.Errorf("shutdown: %v", err)
	}
}
