package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/genvm-run/genvm/internal/cancellation"
	"github.com/genvm-run/genvm/internal/config"
	"github.com/genvm-run/genvm/internal/engine"
	"github.com/genvm-run/genvm/internal/hostwire"
	"github.com/genvm-run/genvm/internal/logging"
	"github.com/genvm-run/genvm/internal/memlimiter"
	"github.com/genvm-run/genvm/internal/runners"
	"github.com/genvm-run/genvm/internal/vmrt"
	"github.com/genvm-run/genvm/internal/version"
)

// printOption is the --print flag's closed set of values, grounded on
// original_source's exe/run.rs PrintOption enum (Result, Fingerprint,
// StderrFull).
type printOption string

const (
	printResult      printOption = "result"
	printFingerprint printOption = "fingerprint"
	printStderrFull  printOption = "stderr-full"
)

// printFlag accumulates repeated --print occurrences, the same
// append-on-each-Set idiom cmd/wazero/wazero.go's sliceFlag uses for -env
// and -mount.
type printFlag []printOption

func (f *printFlag) String() string { return fmt.Sprint([]printOption(*f)) }

func (f *printFlag) Set(v string) error {
	switch printOption(v) {
	case printResult, printFingerprint, printStderrFull:
		*f = append(*f, printOption(v))
		return nil
	default:
		return fmt.Errorf("invalid --print value %q (want result|fingerprint|stderr-full)", v)
	}
}

func (f printFlag) has(opt printOption) bool {
	for _, p := range f {
		if p == opt {
			return true
		}
	}
	return false
}

func doRun(args []string, stdOut, stdErr io.Writer) int {
	flags := flag.NewFlagSet("run", flag.ExitOnError)
	flags.SetOutput(stdErr)

	executionDataPath := flags.String("execution-data", "-", "path to execution data (use '-' for stdin, 'fd://N' for file descriptor N)")
	hostURI := flags.String("host", "", "host uri, preferably unix://")
	storagePagesFlag := flags.String("storage-pages", "", "max amount of storage pages to be written")
	var prints printFlag
	flags.Var(&prints, "print", "what to output to stdout/stderr (result|fingerprint|stderr-full), may repeat")
	syncMode := flags.Bool("sync", false, "reuse the leader's non-det results as-is; no validator runs are queued")
	permissions := flags.String("permissions", "rwscn", "r?w?s?c?n?: read/write/send messages/call contracts/spawn nondet")
	debugMode := flags.Bool("debug-mode", false, "allow :latest/:test runner versions, enable tracing")
	genvmID := flags.Uint64("genvm-id", 0, "id to pass to modules, useful for aggregating logs; random when unset")
	cacheDir := flags.String("cachedir", "", "writable directory for runner archives and compiled wasm")
	runnersDir := flags.String("runnersdir", "", "runner registry root (defaults to cachedir)")
	timeout := flags.Duration("timeout", 0, "abort the run after this duration (0 disables)")
	logLevel := flags.String("log-level", "", "zerolog level (trace|debug|info|warn|error), defaults to info")
	logDisable := flags.String("log-disable", "", "comma-separated module names to silence regardless of level")
	configPath := flags.String("config", "", "optional genvm.yaml BaseConfig supplying defaults for unset flags above")

	if err := flags.Parse(args); err != nil {
		return 1
	}

	storagePages, err := config.ParseStoragePages(*storagePagesFlag)
	if err != nil {
		fmt.Fprintln(stdErr, err)
		return 1
	}

	if *configPath != "" {
		base, err := config.Load(*configPath, version.Get())
		if err != nil {
			fmt.Fprintln(stdErr, err)
			return 1
		}
		if *hostURI == "" {
			*hostURI = base.HostAddress
		}
		if *cacheDir == "" {
			*cacheDir = base.CacheDir
		}
		if *runnersDir == "" {
			*runnersDir = base.RunnersDir
		}
		if *logLevel == "" {
			*logLevel = base.LogLevel
		}
		if *logDisable == "" {
			*logDisable = base.LogDisable
		}
		if storagePages == 0 {
			storagePages = base.StoragePages
		}
	}

	if *hostURI == "" {
		fmt.Fprintln(stdErr, "missing --host (or host_address in --config)")
		return 1
	}

	read, write, send, call, nondet, err := config.ParsePermissions(*permissions)
	if err != nil {
		fmt.Fprintln(stdErr, err)
		return 1
	}

	raw, err := readExecutionData(*executionDataPath)
	if err != nil {
		fmt.Fprintln(stdErr, err)
		return 1
	}

	ed, err := decodeExecutionData(raw)
	if err != nil {
		fmt.Fprintln(stdErr, err)
		return 1
	}

	msg, err := ed.Message.toExtendedMessage(ed.Calldata)
	if err != nil {
		fmt.Fprintln(stdErr, err)
		return 1
	}

	id := *genvmID
	if id == 0 {
		var b [8]byte
		_, _ = rand.Read(b[:])
		id = binary.LittleEndian.Uint64(b[:])
	}

	logger := logging.New(stdErr, *logLevel, *logDisable)
	ctx := logger.WithContext(context.Background())
	ctx, cancel := cancellation.Root(ctx, *timeout, true)
	defer cancel()
	ctx = logging.WithFields(ctx, logger, "genvm_id", strconv.FormatUint(id, 10))

	if *cacheDir == "" {
		fmt.Fprintln(stdErr, "missing --cachedir")
		return 1
	}
	if *runnersDir == "" {
		*runnersDir = *cacheDir
	}
	if _, err := runners.GetCacheDir(*cacheDir); err != nil {
		fmt.Fprintln(stdErr, err)
		return 1
	}

	archives, err := runners.NewCache(*runnersDir)
	if err != nil {
		fmt.Fprintln(stdErr, err)
		return 1
	}

	host, err := hostwire.Dial(*hostURI)
	if err != nil {
		fmt.Fprintln(stdErr, err)
		return 1
	}
	defer host.Close()

	limiter := memlimiter.New("genvm-run")

	sup, err := engine.NewSupervisor(ctx, *cacheDir, archives, host, limiter)
	if err != nil {
		fmt.Fprintln(stdErr, err)
		return 1
	}
	defer sup.Close(ctx)

	cfg := vmrt.Config{
		NeedsErrorFingerprint: true,
		IsDeterministic:       true,
		CanReadStorage:        read,
		CanWriteStorage:       write,
		CanSendMessages:       send,
		CanCallOthers:         call,
		CanSpawnNondet:        nondet,
		StateMode:             vmrt.StorageDefault,
	}

	req := engine.RunRequest{
		Address:      ed.Message.ContractAddress,
		Code:         ed.Code,
		EntryData:    ed.Calldata,
		Config:       cfg,
		Message:      msg,
		StoragePages: storagePages,
		SyncMode:     *syncMode,
		DebugMode:    *debugMode,
	}

	res, runErr := sup.Run(ctx, req)

	if len(prints) == 0 {
		prints = printFlag{printResult}
	}

	if prints.has(printStderrFull) {
		if runErr != nil {
			fmt.Fprintf(stdErr, "%+v\n", runErr)
		} else {
			fmt.Fprintf(stdErr, "%+v\n", res)
		}
	}

	if prints.has(printResult) {
		printOutcome(stdOut, res, runErr)
	}

	if prints.has(printFingerprint) && runErr == nil {
		fmt.Fprintf(stdOut, "Fingerprint: %+v\n", res.Fingerprint)
	}

	if runErr != nil {
		fmt.Fprintf(stdErr, "error running genvm: %v\n", runErr)
		return 1
	}
	return 0
}

// printOutcome renders the run's final result the way
// original_source/exe/run.rs's --print=result branch does: one line naming
// the ResultCode and its payload, or InternalError on a Go error that
// escaped the run entirely.
func printOutcome(w io.Writer, res engine.RunResult, runErr error) {
	if runErr != nil {
		fmt.Fprintln(w, `executed with "InternalError()"`)
		return
	}
	switch res.Outcome.Code {
	case vmrt.ResultVmError:
		fmt.Fprintf(w, "executed with `VMError(%s)`\n", res.Outcome.Message)
	case vmrt.ResultUserError:
		fmt.Fprintf(w, "executed with `UserError(%s)`\n", res.Outcome.Message)
	case vmrt.ResultReturn:
		fmt.Fprintf(w, "executed with `Return(%x)`\n", res.Outcome.Return)
	}
	if res.Disagreement.Found {
		fmt.Fprintf(w, "nondet disagreement: call %d\n", res.Disagreement.CallNo)
	}
}

// readExecutionData reads path's bytes per the execution-data help text's
// three forms: "-" for stdin, "fd://N" for an already-open file
// descriptor, or a plain filesystem path.
func readExecutionData(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	if fdStr, ok := strings.CutPrefix(path, "fd://"); ok {
		fd, err := strconv.Atoi(fdStr)
		if err != nil {
			return nil, fmt.Errorf("invalid file descriptor %q: %w", fdStr, err)
		}
		f := os.NewFile(uintptr(fd), "execution-data")
		if f == nil {
			return nil, fmt.Errorf("invalid file descriptor %d", fd)
		}
		defer f.Close()
		return io.ReadAll(f)
	}
	return os.ReadFile(path)
}
