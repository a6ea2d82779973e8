package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/davecgh/go-spew/spew"
	"github.com/peterh/liner"

	"github.com/chazu/cinder/server"
	"github.com/chazu/cinder/vm"
)

const (
	historyFile   = ".cinder_history"
	consolePrompt = "cinder> "
)

const consoleHelp = `Console commands:
  ps                       List processes
  threads <pid>            List the threads of a process
  dump <pid> [tid]         Dump a thread snapshot (main thread by default)
  attach <pid> [tid]       Hold a thread under the console debugger
  detach                   Release the held thread
  step [into|over|out]     Step the held thread
  continue                 Let the held thread run
  where                    Show the held thread
  set <name> <value>       Assign a variable visible to the held thread
  run <command> [args...]  Invoke a script console command
  commands                 List script console commands
  gc                       Sweep every process
  quit                     Exit
`

// dumper renders snapshots for the dump command.
var dumper = spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableMethods:          true,
	DisableCapacities:       true,
	SortKeys:                true,
}

// console executes commands against a VM owned by a worker. It holds at
// most one thread under its own debugger.
type console struct {
	worker *server.VMWorker
	out    io.Writer

	held     *vm.Thread
	debugger *vm.Debugger
}

func newConsole(worker *server.VMWorker, out io.Writer) *console {
	return &console{worker: worker, out: out}
}

// runConsole reads commands with line editing until quit or EOF.
func runConsole(worker *server.VMWorker) {
	c := newConsole(worker, os.Stdout)
	fmt.Println("Cinder console (type 'help' for commands, 'quit' to exit)")

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)
	ln.SetCompleter(c.complete)

	home, _ := os.UserHomeDir()
	histPath := filepath.Join(home, historyFile)
	if f, err := os.Open(histPath); err == nil {
		_, _ = ln.ReadHistory(f)
		_ = f.Close()
	}
	defer func() {
		if f, err := os.Create(histPath); err == nil {
			_, _ = ln.WriteHistory(f)
			_ = f.Close()
		}
	}()

	for {
		line, err := ln.Prompt(consolePrompt)
		if errors.Is(err, liner.ErrPromptAborted) {
			continue
		}
		if err != nil {
			fmt.Println()
			break
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		ln.AppendHistory(line)
		if c.exec(line) {
			break
		}
	}
	c.release()
}

// exec runs one command line and reports whether the console should exit.
func (c *console) exec(line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := fields[0], fields[1:]
	var err error
	switch cmd {
	case "quit", "exit":
		return true
	case "help":
		fmt.Fprint(c.out, consoleHelp)
	case "ps":
		err = c.ps()
	case "threads":
		err = c.threads(args)
	case "dump":
		err = c.dump(args)
	case "attach":
		err = c.attach(args)
	case "detach":
		err = c.detach()
	case "step":
		err = c.step(args)
	case "continue":
		err = c.resume()
	case "where":
		err = c.where()
	case "set":
		err = c.set(args)
	case "run":
		err = c.run(args)
	case "commands":
		err = c.commands()
	case "gc":
		err = c.gc()
	default:
		err = fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
	}
	return false
}

// do runs fn on the VM goroutine.
func (c *console) do(fn func(v *vm.VM) error) error {
	res, err := c.worker.Do(func(v *vm.VM) any { return fn(v) })
	if err != nil {
		return err
	}
	if e, ok := res.(error); ok {
		return e
	}
	return nil
}

func (c *console) ps() error {
	return c.do(func(v *vm.VM) error {
		tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PID\tURL\tSTATE\tPRIO\tTHREADS\tFAULTS")
		for _, p := range v.Processes() {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\n", p.ID(), p.URL(), p.State(), p.Priority(), len(p.Threads()), p.Faults())
		}
		return tw.Flush()
	})
}

func (c *console) threads(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: threads <pid>")
	}
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("bad process id %q", args[0])
	}
	return c.do(func(v *vm.VM) error {
		p, ok := v.Process(pid)
		if !ok {
			return fmt.Errorf("no process %d", pid)
		}
		tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TID\tIP\tDEPTH\tWAITING\tDEBUGGER\tFUNCTION")
		for _, t := range p.Threads() {
			fn := "-"
			if calls := t.CallStack(); len(calls) > 0 {
				fn = string(calls[len(calls)-1].Signature())
			}
			fmt.Fprintf(tw, "%d\t%d\t%d\t%t\t%t\t%s\n", t.ID(), t.IP(), len(t.CallStack()), t.Waiting(), t.Hook() != nil, fn)
		}
		return tw.Flush()
	})
}

// lookup resolves "<pid> [tid]" to a thread. Must run on the VM goroutine.
func lookup(v *vm.VM, args []string) (*vm.Thread, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, errors.New("expected <pid> [tid]")
	}
	pid, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, fmt.Errorf("bad process id %q", args[0])
	}
	p, ok := v.Process(pid)
	if !ok {
		return nil, fmt.Errorf("no process %d", pid)
	}
	if len(args) == 1 {
		return p.MainThread(), nil
	}
	tid, err := strconv.Atoi(args[1])
	if err != nil {
		return nil, fmt.Errorf("bad thread id %q", args[1])
	}
	t, ok := p.Thread(tid)
	if !ok {
		return nil, fmt.Errorf("no thread %d in process %d", tid, pid)
	}
	return t, nil
}

func (c *console) dump(args []string) error {
	return c.do(func(v *vm.VM) error {
		t, err := lookup(v, args)
		if err != nil {
			return err
		}
		dumper.Fdump(c.out, vm.Inspect(t))
		return nil
	})
}

func (c *console) attach(args []string) error {
	if c.held != nil {
		return errors.New("already holding a thread; detach first")
	}
	return c.do(func(v *vm.VM) error {
		t, err := lookup(v, args)
		if err != nil {
			return err
		}
		if t.Hook() != nil {
			return fmt.Errorf("process %d thread %d already has a debugger", t.Process().ID(), t.ID())
		}
		c.debugger = vm.NewDebugger()
		c.held = t
		t.AttachDebugger(c.debugger)
		fmt.Fprintf(c.out, "holding process %d thread %d\n", t.Process().ID(), t.ID())
		return nil
	})
}

func (c *console) detach() error {
	if c.held == nil {
		return errors.New("no thread held")
	}
	c.release()
	return nil
}

// release detaches the console debugger if it is still attached.
func (c *console) release() {
	if c.held == nil {
		return
	}
	t, d := c.held, c.debugger
	c.held, c.debugger = nil, nil
	_ = c.do(func(*vm.VM) error {
		if t.Hook() == vm.DebugHook(d) {
			t.DetachDebugger()
		}
		return nil
	})
}

func (c *console) step(args []string) error {
	if c.held == nil {
		return errors.New("no thread held")
	}
	mode := ""
	if len(args) > 0 {
		mode = args[0]
	}
	m, err := server.ParseStepMode(mode)
	if err != nil {
		return err
	}
	t, d := c.held, c.debugger
	return c.do(func(v *vm.VM) error {
		d.Step(m, len(t.CallStack()))
		v.RunAll(0)
		return c.show(t)
	})
}

func (c *console) resume() error {
	if c.held == nil {
		return errors.New("no thread held")
	}
	c.debugger.Continue()
	return nil
}

func (c *console) where() error {
	if c.held == nil {
		return errors.New("no thread held")
	}
	t := c.held
	return c.do(func(*vm.VM) error { return c.show(t) })
}

// show prints the snapshot of t. Must run on the VM goroutine.
func (c *console) show(t *vm.Thread) error {
	if t.Process().Finished() {
		return fmt.Errorf("process %d has exited", t.Process().ID())
	}
	fmt.Fprint(c.out, vm.Inspect(t).String())
	return nil
}

func (c *console) set(args []string) error {
	if c.held == nil {
		return errors.New("no thread held")
	}
	if len(args) < 2 {
		return errors.New("usage: set <name> <value>")
	}
	t := c.held
	literal := strings.Join(args[1:], " ")
	return c.do(func(*vm.VM) error { return vm.SetVariable(t, args[0], literal) })
}

func (c *console) run(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: run <command> [args...]")
	}
	return c.do(func(v *vm.VM) error {
		result, err := v.RunConsoleCommand(args[0], args[1:]...)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "=> %s\n", result)
		return nil
	})
}

func (c *console) commands() error {
	return c.do(func(v *vm.VM) error {
		for _, name := range v.ConsoleCommands() {
			fmt.Fprintln(c.out, name)
		}
		return nil
	})
}

func (c *console) gc() error {
	return c.do(func(v *vm.VM) error {
		for _, s := range v.CollectGarbage() {
			fmt.Fprintf(c.out, "swept %d blocks, %d objects in %s\n", s.BlocksSwept, s.ObjectsSwept, s.Duration)
		}
		return nil
	})
}

// complete offers console command names for the first word.
func (c *console) complete(line string) []string {
	if strings.Contains(line, " ") {
		return nil
	}
	var out []string
	for _, name := range []string{"attach", "commands", "continue", "detach", "dump", "gc", "help", "ps", "quit", "run", "set", "step", "threads", "where"} {
		if strings.HasPrefix(name, line) {
			out = append(out, name)
		}
	}
	return out
}
