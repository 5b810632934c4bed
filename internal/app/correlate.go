package app

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/oswatch/scanfleet/internal/adapter/store/sqlite"
	"github.com/oswatch/scanfleet/internal/domain"
)

// Line protocol emitted by the correlation child on stdout. Everything
// else the child prints is noise; stderr is forwarded to the log.
const (
	corrLineSkipHeavy = "SKIP_HEAVY"
	corrLineRuleError = "RULE_ERROR"
	corrLineDone      = "DONE"
)

// SubprocessCorrelator runs correlation rules in a child process so a
// pathological rule or an oversized event set cannot take the control
// plane down with it. The child is this same binary invoked with the
// correlate subcommand.
type SubprocessCorrelator struct {
	// Timeout is the hard wall-clock cap on one run.
	Timeout time.Duration
	// exePath overrides the child binary in tests.
	exePath string
}

// NewSubprocessCorrelator builds the runner with the given timeout.
func NewSubprocessCorrelator(timeout time.Duration) *SubprocessCorrelator {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &SubprocessCorrelator{Timeout: timeout}
}

// Run executes the correlation pass for one scan. Returns an error for
// observability only; callers never roll back a terminal scan status
// over a failed correlation run.
func (c *SubprocessCorrelator) Run(ctx domain.Context, scanID string) error {
	exe := c.exePath
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return fmt.Errorf("op=correlate.run: %w", err)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	log := slog.With(slog.String("scan_id", scanID))
	log.Info("correlation run starting", slog.Duration("timeout", c.Timeout))

	cmd := exec.CommandContext(runCtx, exe, "correlate", scanID)
	cmd.Env = os.Environ()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	for _, line := range strings.Split(strings.TrimRight(stderr.String(), "\n"), "\n") {
		if line != "" {
			log.Warn("correlate child stderr", slog.String("line", line))
		}
	}

	summary := parseCorrelateOutput(&stdout)
	for _, skipped := range summary.SkippedHeavy {
		log.Info("heavy correlation rule skipped", slog.String("rule_id", skipped))
	}
	for ruleID, msg := range summary.RuleErrors {
		log.Warn("correlation rule failed", slog.String("rule_id", ruleID), slog.String("error", msg))
	}

	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("op=correlate.run scan_id=%s: timed out after %s", scanID, c.Timeout)
		}
		if oomKilled(runErr) {
			return fmt.Errorf("op=correlate.run scan_id=%s: child killed (likely OOM)", scanID)
		}
		return fmt.Errorf("op=correlate.run scan_id=%s: %w", scanID, runErr)
	}
	if !summary.Done {
		return fmt.Errorf("op=correlate.run scan_id=%s: child exited without completion marker", scanID)
	}
	log.Info("correlation run finished", slog.Int("matches", summary.Matches))
	return nil
}

// correlateSummary is the parsed child output.
type correlateSummary struct {
	SkippedHeavy []string
	RuleErrors   map[string]string
	Done         bool
	Matches      int
}

// parseCorrelateOutput reads the child's stdout line protocol.
func parseCorrelateOutput(r *bytes.Buffer) correlateSummary {
	summary := correlateSummary{RuleErrors: map[string]string{}}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.SplitN(sc.Text(), " ", 3)
		switch fields[0] {
		case corrLineSkipHeavy:
			if len(fields) > 1 {
				summary.SkippedHeavy = append(summary.SkippedHeavy, fields[1])
			}
		case corrLineRuleError:
			if len(fields) > 1 {
				msg := ""
				if len(fields) > 2 {
					msg = fields[2]
				}
				summary.RuleErrors[fields[1]] = msg
			}
		case corrLineDone:
			summary.Done = true
			if len(fields) > 1 {
				fmt.Sscanf(fields[1], "%d", &summary.Matches)
			}
		}
	}
	return summary
}

// oomKilled reports whether the child died to SIGKILL, which in practice
// means the kernel OOM killer (exit status 137 / signal 9).
func oomKilled(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	if exitErr.ExitCode() == 137 {
		return true
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		return ws.Signaled() && ws.Signal() == syscall.SIGKILL
	}
	return false
}

// RunCorrelateChild is the child-process entry point. It opens the
// shared store read-write, evaluates every rule against the scan's
// events, persists matches, and reports through the stdout line
// protocol. Returns the process exit code.
func RunCorrelateChild(ctx domain.Context, dataPath, rulesDir, scanID string) int {
	rules, err := LoadCorrelationRules(rulesDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rule load failed: %v\n", err)
		return 1
	}

	store, err := sqlite.Open(sqlite.SharedPath(dataPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "store open failed: %v\n", err)
		return 1
	}
	defer store.Close()

	scans := sqlite.NewScanRepo(store)
	events := sqlite.NewEventRepo(store)
	correlations := sqlite.NewCorrelationRepo(store)

	scan, err := scans.Get(ctx, scanID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan load failed: %v\n", err)
		return 1
	}
	all, err := events.ListByScan(ctx, scanID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "event load failed: %v\n", err)
		return 1
	}

	matches := 0
	for _, rule := range rules {
		if rule.Heavy && len(all) > heavyEventLimit {
			fmt.Printf("%s %s\n", corrLineSkipHeavy, rule.ID)
			continue
		}
		matched := rule.Evaluate(all)
		if len(matched) == 0 {
			continue
		}
		corr := domain.Correlation{
			ID:         uuid.NewString(),
			ScanID:     scanID,
			RuleID:     rule.ID,
			RuleName:   rule.Name,
			Risk:       rule.Risk,
			Title:      rule.RenderTitle(len(matched), scan.Target),
			EventCount: len(matched),
			Created:    time.Now().UTC(),
		}
		if err := correlations.Store(ctx, corr); err != nil {
			fmt.Printf("%s %s %v\n", corrLineRuleError, rule.ID, err)
			continue
		}
		matches++
	}
	fmt.Printf("%s %d\n", corrLineDone, matches)
	return 0
}
