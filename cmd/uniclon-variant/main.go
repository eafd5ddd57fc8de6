package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"uniclon/internal/database"
	"uniclon/internal/phash"
	"uniclon/internal/uniqueness"
	"uniclon/internal/variant"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

const (
	// Default timeout for database operations
	defaultTimeout = 30 * time.Second
	// Default database directory path
	defaultDatabaseDir = "./database"
	defaultSalt        = "uniclon_v1.7"
	// touch sets atime this far after mtime
	atimeOffset = 3 * time.Second
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Fprintln(os.Stderr, "\nInterrupted, shutting down...")
		cancel()
	}()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr, isTerminal(os.Stdout)))
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, tty bool) int {
	if len(args) < 1 {
		printUsage(stderr)
		return 2
	}

	var err error
	switch args[0] {
	case "generate":
		err = runGenerate(args[1:], stdout, tty)
	case "score":
		err = runScore(args[1:], stdout, tty)
	case "phash":
		err = runPHash(args[1:], stdout)
	case "touch":
		err = runTouch(args[1:])
	case "reports":
		err = runReports(ctx, args[1:], stdout, tty)
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", sanitizeCommand(args[0])) //nolint:gosec // sanitized via allowlist
		printUsage(stderr)
		return 2
	}

	if err == flag.ErrHelp {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, errStyle.Render("Error:")+" "+err.Error())
		return 1
	}
	return 0
}

// sanitizeCommand returns a safe representation of a command string for display.
// It uses an allowlist approach, replacing any character that is not alphanumeric,
// a hyphen, or an underscore with '_'.
func sanitizeCommand(cmd string) string {
	var b strings.Builder
	b.Grow(len(cmd))
	for _, r := range cmd {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Uniclon variant tool")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage: uniclon-variant <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  generate  - Print the randomization payload of one copy (json, shell or table)")
	fmt.Fprintln(w, "  score     - Compute a trust score from SSIM and pHash distance")
	fmt.Fprintln(w, "  phash     - Hamming distance between the perceptual hashes of two images")
	fmt.Fprintln(w, "  touch     - Set a file's modification time to an epoch (atime +3s)")
	fmt.Fprintln(w, "  reports   - List recent uniqueness reports from the run ledger")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Environment:")
	fmt.Fprintf(w, "  DATABASE_DIR - Path to database directory (default: %s)\n", defaultDatabaseDir)
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func runGenerate(args []string, stdout io.Writer, tty bool) error {
	fs := newFlagSet("generate")
	input := fs.String("input", "", "input filename (basename is used)")
	copyIndex := fs.Int("copy-index", 0, "1-based copy index")
	salt := fs.String("salt", defaultSalt, "seed salt")
	profileName := fs.String("profile", variant.DefaultProfile, "render profile")
	backoff := fs.Int("backoff", 0, "crop backoff depth")
	mode := fs.String("mode", string(variant.IntensityNeutral), "intensity: neutral, boost or relax")
	format := fs.String("format", "", "json, shell or table (default: table on a terminal, json otherwise)")
	epoch := fs.Int64("now", 0, "reference unix time for timestamps (default: now)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *input == "" {
		return fmt.Errorf("--input is required")
	}
	if *copyIndex < 1 {
		return fmt.Errorf("--copy-index must be at least 1")
	}
	intensity := variant.Intensity(strings.ToLower(*mode))
	switch intensity {
	case variant.IntensityNeutral, variant.IntensityBoost, variant.IntensityRelax:
	default:
		return fmt.Errorf("unknown mode %q", *mode)
	}
	profile, ok := variant.Profile(*profileName)
	if !ok && *profileName != "" {
		return fmt.Errorf("unknown profile %q (known: %s)", *profileName, strings.Join(variant.ProfileNames(), ", "))
	}

	now := time.Now()
	if *epoch > 0 {
		now = time.Unix(*epoch, 0)
	}

	v := variant.GenerateWith(filepath.Base(*input), *copyIndex, *salt, profile, *backoff,
		variant.GenerateOptions{Mode: intensity})

	if *format == "" {
		*format = "json"
		if tty {
			*format = "table"
		}
	}

	switch *format {
	case "json":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "shell":
		_, err := io.WriteString(stdout, v.Shell(now))
		return err
	case "table":
		_, err := fmt.Fprintln(stdout, renderVariant(v, now))
		return err
	default:
		return fmt.Errorf("unsupported format %q", *format)
	}
}

func renderVariant(v variant.VariantConfig, now time.Time) string {
	rows := [][2]string{
		{"seed", v.Seed},
		{"profile", v.Profile},
		{"mode", string(v.Mode)},
		{"fps", strconv.Itoa(v.FPS)},
		{"bitrate", fmt.Sprintf("%d kbps (max %d, buf %d)", v.BitrateKbps, v.MaxrateKbps, v.BufsizeKbps)},
		{"scale", fmt.Sprintf("%dx%d", v.Scale.W, v.Scale.H)},
		{"crop", fmt.Sprintf("%dx%d at %d,%d", v.CropMargin.W, v.CropMargin.H, v.CropOffset.X, v.CropOffset.Y)},
		{"eq", fmt.Sprintf("b=%.4f c=%.4f s=%.4f", v.Brightness, v.Contrast, v.Saturation)},
		{"noise", strconv.Itoa(v.NoiseStrength)},
		{"filters", strings.Join(v.Filters(), ",")},
		{"encoder", v.EncoderLabel},
		{"software", v.SoftwareLabel},
		{"created", v.CreationTime(now).Format(time.RFC3339)},
		{"audio", v.AudioFilterChain},
	}
	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, titleStyle.Render("Variant"))
	for _, r := range rows {
		lines = append(lines, keyStyle.Render(fmt.Sprintf("%-9s", r[0]))+" "+r[1])
	}
	return panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func runScore(args []string, stdout io.Writer, tty bool) error {
	fs := newFlagSet("score")
	ssim := fs.Float64("ssim", -1, "mean SSIM of the copies")
	ph := fs.Float64("phash", -1, "mean pHash distance to the source")
	psnr := fs.Float64("psnr", 0, "mean PSNR in dB (optional)")
	bitrateVar := fs.Float64("bitrate-var", 10, "bitrate variation across copies in percent")
	profile := fs.String("profile", "", "target profile for the label")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *ssim < 0 || *ph < 0 {
		return fmt.Errorf("--ssim and --phash are required")
	}

	score := uniqueness.TrustScore(uniqueness.TrustInputs{
		MeanSSIM:         *ssim,
		MeanPSNR:         *psnr,
		MeanPHash:        *ph,
		BitrateVariation: *bitrateVar,
		HasSSIM:          true,
		HasPSNR:          *psnr > 0,
		HasPHash:         true,
		MetaDiverse:      true,
		TimeDiverse:      true,
	})

	if !tty {
		_, err := fmt.Fprintf(stdout, "%.1f\n", score)
		return err
	}
	label, level := uniqueness.TrustLabel(score, *profile)
	style := errStyle
	switch level {
	case uniqueness.TrustSafe:
		style = okStyle
	case uniqueness.TrustReview:
		style = warnStyle
	}
	_, err := fmt.Fprintf(stdout, "%s %s\n", style.Render(fmt.Sprintf("%.1f", score)), label)
	return err
}

func runPHash(args []string, stdout io.Writer) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: phash <image-a> <image-b>")
	}
	a, err := phash.HashImage(args[0])
	if err != nil {
		return err
	}
	b, err := phash.HashImage(args[1])
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "%016x %016x %d\n", a, b, phash.Distance(a, b))
	return err
}

func runTouch(args []string) error {
	fs := newFlagSet("touch")
	file := fs.String("file", "", "file to touch")
	epoch := fs.String("epoch", "", "modification time as unix seconds, fractions allowed")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" || *epoch == "" {
		return fmt.Errorf("--file and --epoch are required")
	}
	secs, err := strconv.ParseFloat(*epoch, 64)
	if err != nil {
		return fmt.Errorf("invalid epoch %q: %w", *epoch, err)
	}
	mtime := time.UnixMilli(int64(secs * 1000))
	return os.Chtimes(*file, mtime.Add(atimeOffset), mtime)
}

func runReports(ctx context.Context, args []string, stdout io.Writer, tty bool) error {
	fs := newFlagSet("reports")
	limit := fs.Int("limit", 10, "number of reports")
	asJSON := fs.Bool("json", !tty, "print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	databaseDir := os.Getenv("DATABASE_DIR")
	if databaseDir == "" {
		databaseDir = defaultDatabaseDir
	}
	dbPath := filepath.Join(databaseDir, "uniclon.db")
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("no run ledger at %s (set DATABASE_DIR): %w", dbPath, err)
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	db, err := database.New(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
		}
	}()

	reports, err := db.RecentReports(ctx, *limit)
	if err != nil {
		return err
	}
	if *asJSON {
		if reports == nil {
			reports = []database.Report{}
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}

	if len(reports) == 0 {
		_, err := fmt.Fprintln(stdout, "No reports yet.")
		return err
	}
	for _, r := range reports {
		score := okStyle
		if !r.Diversified {
			score = warnStyle
		}
		fmt.Fprintf(stdout, "%s  %s  %s  %d/%d copies  pHash=%.2f SSIM=%.3f\n",
			keyStyle.Render(r.CreatedAt.Format("2006-01-02 15:04")),
			score.Render(fmt.Sprintf("%3d", r.UniqScore)),
			r.Source, r.CopiesSuccess, r.CopiesTotal, r.AvgPHash, r.AvgSSIM)
	}
	return nil
}
