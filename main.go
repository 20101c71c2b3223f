// Needle - code injection toolkit
// WARNING: This tool is for AUTHORIZED security testing and educational purposes ONLY.
// Use only on processes you own or have explicit written permission to test.

package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/needle/needle/assembler"
	"github.com/needle/needle/core"
	"github.com/needle/needle/crypto"
	"github.com/needle/needle/database"
	"github.com/needle/needle/injection"
	"github.com/needle/needle/memory"
	"github.com/needle/needle/payload"
	"github.com/needle/needle/processes"
	"github.com/needle/needle/thread"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var (
		mode        = flag.String("mode", "", "Operation mode: ps, asm, inject, or history")
		config      = flag.String("config", "", "Configuration file path")
		pid         = flag.Int("pid", 0, "Target process ID")
		name        = flag.String("name", "", "Target process name (must match exactly one process)")
		addr        = flag.String("addr", "", "Write address in the target (hex); empty allocates")
		execute     = flag.Bool("execute", false, "Execute the injected code")
		hijack      = flag.Int("hijack", 0, "Hijack the given existing thread instead of spawning")
		timeout     = flag.Duration("timeout", 0, "Bound the wait for injected code (0 waits forever)")
		wstr        = flag.String("wstr", "", "UTF-16 string to place in the target; $wstr in the program expands to its address")
		input       = flag.String("in", "", "Mnemonic program file (- or empty reads stdin)")
		output      = flag.String("output", "", "Output file path for asm mode")
		format      = flag.String("format", "hex", "Blob format for asm mode: raw, hex, or base64")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		showVersion = flag.Bool("version", false, "Show version information")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("Needle v%s\nBuild: %s\nCommit: %s\n", version, buildTime, gitCommit)
		os.Exit(0)
	}

	// Initialize logger
	logger := core.NewLogger(*debug)
	defer logger.Close()

	// Load configuration
	cfg, err := core.LoadConfig(*config)
	if err != nil {
		logger.Warn("Using default configuration: %v", err)
		cfg = core.DefaultConfig()
	}
	if cfg.Logging.File != "" {
		if err := logger.SetFile(cfg.Logging.File); err != nil {
			logger.Warn("Log file unavailable: %v", err)
		}
	}

	switch *mode {
	case "ps":
		runPS(logger)
	case "asm":
		runAsm(logger, *input, *output, *format)
	case "inject":
		runInject(logger, cfg, *pid, *name, *addr, *execute, *hijack, *timeout, *wstr, *input)
	case "history":
		runHistory(logger, cfg)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func runPS(logger *core.Logger) {
	manager := processes.NewManager(logger)
	procs, err := manager.List()
	if err != nil {
		log.Fatalf("Process listing failed: %v", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleColoredBright)
	t.AppendHeader(table.Row{"PID", "PPID", "Name", "Owner", "Path"})
	for _, p := range procs {
		t.AppendRow(table.Row{p.PID, p.PPID, p.Name, p.Owner, p.Path})
	}
	t.Render()
}

func runAsm(logger *core.Logger, input, output, formatName string) {
	program, err := readProgram(input)
	if err != nil {
		log.Fatalf("Failed to read program: %v", err)
	}

	blobFormat, err := payload.ParseFormat(formatName)
	if err != nil {
		log.Fatal(err)
	}

	code, err := assembler.NewX86().Assemble(program)
	if err != nil {
		log.Fatalf("Assembly failed: %v", err)
	}
	logger.Info("Assembled %d bytes", len(code))

	blob, err := payload.Encode(code, blobFormat)
	if err != nil {
		log.Fatal(err)
	}

	if output == "" {
		fmt.Println(string(blob))
		return
	}
	if err := os.WriteFile(output, blob, 0644); err != nil {
		log.Fatalf("Failed to write output: %v", err)
	}
	logger.Info("Wrote %s blob to %s", blobFormat, output)
}

func runInject(logger *core.Logger, cfg *core.Config, pid int, name, addr string, execute bool, hijack int, timeout time.Duration, wstr, input string) {
	program, err := readProgram(input)
	if err != nil {
		log.Fatalf("Failed to read program: %v", err)
	}

	pid, err = resolveTarget(logger, pid, name)
	if err != nil {
		log.Fatal(err)
	}

	mem, threads, err := openTarget(pid, logger)
	if err != nil {
		log.Fatalf("Failed to open PID %d: %v", pid, err)
	}
	defer mem.Close()

	if wstr != "" {
		strAddr, err := memory.AllocateWideString(mem, wstr)
		if err != nil {
			log.Fatalf("Failed to place string in target: %v", err)
		}
		logger.Info("Wide string placed at 0x%x", strAddr)
		program = expandStringAddr(program, strAddr)
	}

	broker := core.NewEventBroker()
	events := []<-chan core.Event{
		broker.Subscribe(core.EventMemoryAllocated),
		broker.Subscribe(core.EventMemoryWritten),
		broker.Subscribe(core.EventTransactionCommitted),
		broker.Subscribe(core.EventTransactionFailed),
		broker.Subscribe(core.EventTransactionExecuted),
	}

	opts := []injection.Option{injection.WithBroker(broker)}
	if addr != "" {
		parsed, err := strconv.ParseUint(strings.TrimPrefix(addr, "0x"), 16, 64)
		if err != nil {
			log.Fatalf("Invalid address %q: %v", addr, err)
		}
		opts = append(opts, injection.WithAddress(uintptr(parsed)))
	}
	if execute {
		opts = append(opts, injection.WithAutoExecute())
	}
	if hijack != 0 {
		opts = append(opts, injection.WithHijack(thread.Ref(hijack)))
	}
	if timeout == 0 {
		timeout = cfg.Execution.WaitTimeout
	}
	if timeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		opts = append(opts, injection.WithWaitContext(ctx))
	}

	tx := injection.NewTransaction(assembler.NewX86(), mem, threads, logger, opts...)
	for _, line := range strings.Split(strings.TrimRight(program, "\n"), "\n") {
		if err := tx.Add("%s", line); err != nil {
			log.Fatalf("Bad mnemonic line %q: %v", line, err)
		}
	}

	var code []byte
	if cfg.History.Enabled {
		// Best effort; the commit reports assembly errors itself.
		code, _ = tx.Assemble()
	}

	closeErr := tx.Close()
	drainEvents(logger, events)
	if cfg.History.Enabled {
		if err := recordHistory(cfg, tx, pid, program, code, execute, closeErr); err != nil {
			logger.Warn("History not recorded: %v", err)
		}
	}
	if closeErr != nil {
		log.Fatalf("Injection failed: %v", closeErr)
	}

	if injected, ok := tx.InjectedAddress(); ok {
		logger.Info("Code injected at 0x%x", injected)
	}
	if execute {
		exit, err := injection.ExitCode[int64](tx)
		if err != nil {
			log.Fatalf("No exit value: %v", err)
		}
		fmt.Printf("exit value: %d\n", exit)
	}
}

func runHistory(logger *core.Logger, cfg *core.Config) {
	if !cfg.History.Enabled {
		log.Fatal("History is disabled in the configuration")
	}

	store, err := database.Open(cfg.History.Path)
	if err != nil {
		log.Fatalf("Failed to open history: %v", err)
	}

	records, err := store.Records()
	if err != nil {
		log.Fatalf("Failed to read history: %v", err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleColoredBright)
	t.AppendHeader(table.Row{"ID", "PID", "Address", "Bytes", "Executed", "Exit", "Status", "When"})
	for _, r := range records {
		t.AppendRow(table.Row{
			r.ID, r.Pid, fmt.Sprintf("0x%x", r.Address), r.ByteCount,
			r.Executed, r.ExitValue, r.Status,
			time.Unix(r.CreatedAt, 0).Format("2006-01-02 15:04:05"),
		})
	}
	t.Render()
	logger.Debug("Listed %d history records", len(records))
}

// expandStringAddr substitutes the placed string's address for every
// $wstr token, so programs can reference it as an immediate.
func expandStringAddr(program string, addr uintptr) string {
	return strings.ReplaceAll(program, "$wstr", fmt.Sprintf("0x%x", addr))
}

// drainEvents logs the lifecycle events the commit published. Publish
// never blocks, so everything is already queued by the time Close
// returns.
func drainEvents(logger *core.Logger, events []<-chan core.Event) {
	for _, ch := range events {
		for len(ch) > 0 {
			ev := <-ch
			logger.Debug("Event %s: %v", ev.Type, ev.Data)
		}
	}
}

// resolveTarget turns a -name flag into a pid when -pid was not given.
func resolveTarget(logger *core.Logger, pid int, name string) (int, error) {
	if pid != 0 {
		return pid, nil
	}
	if name == "" {
		return 0, fmt.Errorf("either -pid or -name is required")
	}

	matches, err := processes.NewManager(logger).FindByName(name)
	if err != nil {
		return 0, err
	}
	switch len(matches) {
	case 0:
		return 0, fmt.Errorf("no process named %q", name)
	case 1:
		return matches[0].PID, nil
	default:
		return 0, fmt.Errorf("%d processes named %q, use -pid", len(matches), name)
	}
}

func readProgram(path string) (string, error) {
	if path == "" || path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func recordHistory(cfg *core.Config, tx *injection.Transaction, pid int, program string, code []byte, executed bool, closeErr error) error {
	store, err := database.Open(cfg.History.Path)
	if err != nil {
		return err
	}

	record := &database.InjectionRecord{
		ID:        tx.ID().String(),
		Pid:       pid,
		ByteCount: len(code),
		Program:   program,
		Executed:  executed,
		Status:    "committed",
	}
	if addr, ok := tx.InjectedAddress(); ok {
		record.Address = uint64(addr)
	}
	if exit, ok := tx.ExitValue(); ok {
		record.ExitValue = uint64(exit)
	}
	if closeErr != nil {
		record.Status = "failed"
		record.Error = closeErr.Error()
	}

	if len(code) > 0 && cfg.History.Key != "" {
		key, err := hex.DecodeString(cfg.History.Key)
		if err != nil {
			return fmt.Errorf("invalid history key: %w", err)
		}
		sealed, err := crypto.Seal(code, key)
		if err != nil {
			return err
		}
		record.Code = sealed
	}

	return store.Save(record)
}
