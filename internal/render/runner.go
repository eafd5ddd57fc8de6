package render

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"uniclon/internal/filesystem"
	"uniclon/internal/logging"
	"uniclon/internal/variant"
)

// Environment keys the script reads besides RAND_* and ADAPTIVE_*.
const (
	EnvOutputDir       = "OUTPUT_DIR"
	EnvPreviewDir      = "PREVIEW_DIR"
	EnvCropBackoff     = "UNICLON_CROP_BACKOFF"
	EnvAudioEQOverride = "UNICLON_AUDIO_EQ_OVERRIDE"
	EnvVideoFilters    = "UNICLON_VIDEO_FILTERS"
	EnvCopyIndex       = "UNICLON_COPY_INDEX"
)

const tailLines = 10

// ErrToolMissing means the script does not exist or cannot be executed.
var ErrToolMissing = errors.New("render: transcode script missing or not executable")

// ExitError is a non-zero exit with the tail of the script's output.
type ExitError struct {
	Code int
	Tail string
}

func (e *ExitError) Error() string {
	if e.Tail == "" {
		return fmt.Sprintf("render script exited with code %d", e.Code)
	}
	return fmt.Sprintf("render script exited with code %d:\n%s", e.Code, e.Tail)
}

// Options are fixed for the lifetime of a Runner.
type Options struct {
	ScriptPath   string
	WorkDir      string
	OutputDir    string
	PreviewDir   string
	Profile      string
	Quality      string
	NoDeviceInfo bool
	MusicVariant bool
	// OutputExt is the extension of rendered files, ".mp4" by default.
	OutputExt string
	// BaseEnv defaults to os.Environ().
	BaseEnv []string
}

// Invocation is one script run.
type Invocation struct {
	Input  string
	Copies int
	// Profile overrides Options.Profile when set.
	Profile string
	Env     map[string]string
}

// Runner starts script runs and tracks their processes.
type Runner struct {
	opts Options

	// outputMu serializes runs against the shared output directory.
	outputMu sync.Mutex

	processMu sync.Mutex
	processes map[*exec.Cmd]string
}

// NewRunner returns a Runner for opts.
func NewRunner(opts Options) *Runner {
	if opts.OutputExt == "" {
		opts.OutputExt = ".mp4"
	}
	if opts.PreviewDir == "" && opts.OutputDir != "" {
		opts.PreviewDir = filepath.Join(opts.OutputDir, "previews")
	}
	return &Runner{
		opts:      opts,
		processes: make(map[*exec.Cmd]string),
	}
}

// Args builds the script's positional arguments and flags.
func (r *Runner) Args(inv Invocation) []string {
	args := []string{inv.Input, strconv.Itoa(inv.Copies)}

	profile := strings.ToLower(strings.TrimSpace(inv.Profile))
	if profile == "" {
		profile = strings.ToLower(strings.TrimSpace(r.opts.Profile))
	}
	if profile != "" && profile != "default" {
		if _, ok := variant.Profile(profile); ok {
			args = append(args, "--profile", profile)
		} else {
			logging.Warn("Unknown profile %q for %s; invoking script without --profile", profile, filepath.Base(inv.Input))
		}
	}

	args = append(args, "--quality", normalizeQuality(r.opts.Quality))
	if r.opts.NoDeviceInfo {
		args = append(args, "--no-device-info")
	}
	if r.opts.MusicVariant {
		args = append(args, "--music-variant")
	}
	return args
}

func normalizeQuality(q string) string {
	if q = strings.ToLower(strings.TrimSpace(q)); q == "high" {
		return q
	}
	return "std"
}

// Environ builds the script's environment: the base environment, the
// output directories, then inv.Env in key order.
func (r *Runner) Environ(inv Invocation) []string {
	base := r.opts.BaseEnv
	if base == nil {
		base = os.Environ()
	}
	env := slices.Clone(base)
	env = append(env,
		EnvOutputDir+"="+r.opts.OutputDir,
		EnvPreviewDir+"="+r.opts.PreviewDir,
	)
	for _, k := range slices.Sorted(maps.Keys(inv.Env)) {
		env = append(env, k+"="+inv.Env[k])
	}
	return env
}

// checkScript makes sure the script exists and is executable, adding the
// execute bit if it is missing.
func (r *Runner) checkScript() error {
	info, err := os.Stat(r.opts.ScriptPath)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrToolMissing, r.opts.ScriptPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrToolMissing, r.opts.ScriptPath)
	}
	if info.Mode()&0o111 == 0 {
		if err := os.Chmod(r.opts.ScriptPath, info.Mode()|0o111); err != nil {
			return fmt.Errorf("%w: %s is not executable: %v", ErrToolMissing, r.opts.ScriptPath, err)
		}
		logging.Debug("Marked %s executable", r.opts.ScriptPath)
	}
	return nil
}

// Run executes one script invocation and waits for it. A non-zero exit is
// reported in Outcome.Code, not as an error; errors mean the script could
// not run (ErrToolMissing) or ctx ended first.
func (r *Runner) Run(ctx context.Context, inv Invocation) (*Outcome, error) {
	if err := r.checkScript(); err != nil {
		return nil, err
	}

	r.outputMu.Lock()
	defer r.outputMu.Unlock()

	cfg := filesystem.DefaultRetryConfig()
	before, err := filesystem.ListOutputs(r.opts.OutputDir, r.opts.OutputExt, cfg)
	if err != nil {
		logging.Warn("Could not list %s before render: %v", r.opts.OutputDir, err)
	}

	args := r.Args(inv)
	cmd := exec.CommandContext(ctx, r.opts.ScriptPath, args...)
	cmd.Dir = r.opts.WorkDir
	cmd.Env = r.Environ(inv)
	// The script forks ffmpeg; signal the whole group so no child keeps the
	// output pipe open after a timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killGroup(cmd) }
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("render stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	start := time.Now()
	label := filepath.Base(inv.Input)
	logging.Info("Starting script: src=%s copies=%d args=%s", label, inv.Copies, strings.Join(args[2:], " "))

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %s: %v", ErrToolMissing, r.opts.ScriptPath, err)
		}
		return nil, fmt.Errorf("start %s: %w", r.opts.ScriptPath, err)
	}
	r.track(cmd, label)
	defer r.untrack(cmd)

	out := newOutcome()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		out.observe(line)
		if strings.TrimSpace(line) != "" {
			logging.Debug("[%s|copies=%d] %s", label, inv.Copies, line)
		}
	}
	if err := scanner.Err(); err != nil {
		logging.Warn("Reading script output for %s: %v", label, err)
	}

	waitErr := cmd.Wait()
	out.Code = exitCode(cmd, waitErr)

	after, err := filesystem.ListOutputs(r.opts.OutputDir, r.opts.OutputExt, cfg)
	if err != nil {
		logging.Warn("Could not list %s after render: %v", r.opts.OutputDir, err)
	} else if before != nil {
		out.NewFiles = filesystem.NewFiles(before, after)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		logging.Warn("Script for %s stopped after %v: %v", label, time.Since(start).Round(time.Millisecond), ctxErr)
		return out, fmt.Errorf("render %s: %w", label, ctxErr)
	}

	if out.Code != 0 {
		if out.lastTarget != "" {
			out.addFailure(filepath.Base(out.lastTarget))
		}
		logging.Warn("Script %s finished with code %d for %s (copies=%d). Tail:\n%s",
			r.opts.ScriptPath, out.Code, label, inv.Copies, out.Tail(tailLines))
	} else {
		logging.Info("Script finished: %s (%d done, %d new files, %v)",
			label, len(out.Done), len(out.NewFiles), time.Since(start).Round(time.Millisecond))
	}
	if len(out.Failed) > 0 {
		logging.Error("%d copies failed: %s", len(out.Failed), strings.Join(out.Failed, ", "))
	}
	return out, nil
}

func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

func (r *Runner) track(cmd *exec.Cmd, label string) {
	r.processMu.Lock()
	defer r.processMu.Unlock()
	r.processes[cmd] = label
}

func (r *Runner) untrack(cmd *exec.Cmd) {
	r.processMu.Lock()
	defer r.processMu.Unlock()
	delete(r.processes, cmd)
}

// Active returns the number of running scripts.
func (r *Runner) Active() int {
	r.processMu.Lock()
	defer r.processMu.Unlock()
	return len(r.processes)
}

// Cleanup kills all running scripts.
func (r *Runner) Cleanup() {
	r.processMu.Lock()
	defer r.processMu.Unlock()

	for cmd, label := range r.processes {
		if cmd.Process != nil {
			logging.Info("Killing render process for: %s", label)
			if err := killGroup(cmd); err != nil {
				logging.Warn("Failed to kill render process for %s: %v", label, err)
			}
		}
	}
}

func killGroup(cmd *exec.Cmd) error {
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
