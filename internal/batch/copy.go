package batch

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"uniclon/internal/database"
	"uniclon/internal/filterchain"
	"uniclon/internal/logging"
	"uniclon/internal/metrics"
	"uniclon/internal/recovery"
	"uniclon/internal/render"
	"uniclon/internal/variant"
)

// Exit codes reported to the recovery policy when the script did not produce
// one itself. All are fatal, so a timeout or a missing tool ends the copy.
const (
	codeRunError    = 1
	codeTimeout     = 124
	codeToolMissing = 127
)

// CopyResult is the outcome of one copy after recovery.
type CopyResult struct {
	Index         int                 `json:"index"`
	Seed          string              `json:"seed"`
	Status        database.CopyStatus `json:"status"`
	ExitCode      int                 `json:"exitCode"`
	Attempts      int                 `json:"attempts"`
	BackoffDepth  int                 `json:"backoffDepth"`
	AudioOverride string              `json:"audioOverride,omitempty"`
	Files         []string            `json:"files,omitempty"`
	Duration      time.Duration       `json:"duration"`
	History       []recovery.Attempt  `json:"history,omitempty"`
}

// renderCopy renders copy index of req. Each retry regenerates the variant
// at the current crop backoff depth. The returned error is set only when the
// script could not run at all.
func (s *Service) renderCopy(ctx context.Context, req Request, index int, profile variant.ProfileSettings,
	mode variant.Intensity, modeEnv map[string]string, ledgerID int64) (CopyResult, error) {
	start := time.Now()
	name := filepath.Base(req.Source)
	opts := variant.GenerateOptions{Mode: mode}
	base := variant.GenerateWith(name, index, s.cfg.Salt, profile, 0, opts)
	cr := CopyResult{Index: index, Seed: base.Seed}
	s.warnReusedSeed(ctx, base.Seed, ledgerID, name, index)

	copyCtx, cancel := context.WithTimeout(ctx, s.cfg.CopyTimeout)
	defer cancel()

	orch := recovery.New(nil)
	orch.Label = fmt.Sprintf("%s copy %d", name, index)
	orch.Delay = s.cfg.RetryDelay
	orch.Sleep = s.sleep

	var runErr error
	code := orch.RetryRenderWithLog(func(chain []string, ov recovery.Overrides) recovery.Result {
		v := base
		if ov.BackoffDepth > 0 {
			v = variant.GenerateWith(name, index, s.cfg.Salt, profile, ov.BackoffDepth, opts)
			chain = filterchain.Sanitize(filterchain.Simplify(v.Filters()))
		}
		inv := render.Invocation{
			Input:   req.Source,
			Copies:  1,
			Profile: profile.Name,
			Env:     copyEnv(v, chain, ov, index, modeEnv),
		}

		out, err := s.runner.Run(copyCtx, inv)
		if err != nil {
			runErr = err
			switch {
			case errors.Is(err, render.ErrToolMissing):
				return recovery.Result{Code: codeToolMissing, Chain: chain}
			case copyCtx.Err() != nil:
				return recovery.Result{Code: codeTimeout, Chain: chain}
			default:
				return recovery.Result{Code: codeRunError, Chain: chain}
			}
		}
		runErr = nil
		if out.Code == 0 {
			cr.Files = append(cr.Files, outputFiles(out)...)
		}
		return recovery.Result{Code: out.Code, Log: out.Log(), Chain: chain}
	}, base.Filters())

	history := orch.Attempts()
	cr.History = history
	cr.Attempts = len(history)
	cr.ExitCode = code
	if len(history) > 0 {
		last := history[len(history)-1]
		cr.BackoffDepth = last.BackoffDepth
		cr.AudioOverride = last.AudioOverride
	}
	recordAttempts(history)

	switch {
	case code == 0:
		cr.Status = database.CopyOK
	case errors.Is(copyCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		cr.Status = database.CopyTimeout
		logging.Error("Copy %d of %s timed out after %v", index, name, s.cfg.CopyTimeout)
	default:
		cr.Status = database.CopyFailed
	}
	cr.Duration = time.Since(start)
	metrics.RenderCopiesTotal.WithLabelValues(string(cr.Status)).Inc()
	metrics.RenderCopyDuration.Observe(cr.Duration.Seconds())

	if s.ledger != nil && ledgerID > 0 {
		err := s.ledger.RecordCopy(context.WithoutCancel(ctx), database.Copy{
			TicketID:      ledgerID,
			Index:         index,
			Name:          firstName(cr.Files),
			Seed:          cr.Seed,
			Status:        cr.Status,
			ExitCode:      cr.ExitCode,
			Attempts:      cr.Attempts,
			BackoffDepth:  cr.BackoffDepth,
			AudioOverride: cr.AudioOverride,
			Duration:      cr.Duration,
		})
		if err != nil {
			logging.Warn("Ledger: copy %d of %s not recorded: %v", index, name, err)
		}
	}

	if errors.Is(runErr, render.ErrToolMissing) {
		return cr, runErr
	}
	return cr, nil
}

// copyEnv is the script environment for one attempt: the variant's RAND_*
// values, the adaptive mode flags and the recovery overrides.
func copyEnv(v variant.VariantConfig, chain []string, ov recovery.Overrides, index int, modeEnv map[string]string) map[string]string {
	env := v.Env(time.Now())
	maps.Copy(env, modeEnv)
	env[render.EnvCropBackoff] = strconv.Itoa(ov.BackoffDepth)
	if ov.AudioEQ != "" {
		env[render.EnvAudioEQOverride] = ov.AudioEQ
	}
	env[render.EnvVideoFilters] = strings.Join(chain, ",")
	env[render.EnvCopyIndex] = strconv.Itoa(index)
	return env
}

func recordAttempts(history []recovery.Attempt) {
	for i, a := range history {
		metrics.RenderAttemptsTotal.WithLabelValues(a.State.String()).Inc()
		if i == 0 {
			continue
		}
		prev := history[i-1]
		if a.BackoffDepth > prev.BackoffDepth {
			metrics.RenderRecoveriesTotal.WithLabelValues("crop_backoff").Inc()
		}
		if a.AudioOverride != "" && prev.AudioOverride == "" {
			metrics.RenderRecoveriesTotal.WithLabelValues("audio_eq").Inc()
		}
	}
}

// outputFiles prefers the directory diff and falls back to the files the
// script announced.
func outputFiles(out *render.Outcome) []string {
	if len(out.NewFiles) > 0 {
		return out.NewFiles
	}
	return out.Done
}

func firstName(files []string) string {
	if len(files) == 0 {
		return ""
	}
	return filepath.Base(files[0])
}

func (s *Service) warnReusedSeed(ctx context.Context, seed string, ledgerID int64, name string, index int) {
	if s.ledger == nil {
		return
	}
	used, err := s.ledger.SeedUsed(ctx, seed, ledgerID)
	if err != nil {
		logging.Debug("Seed lookup failed for %s copy %d: %v", name, index, err)
		return
	}
	if used {
		logging.Warn("Seed %s for %s copy %d was rendered before; the copy will match the earlier one", seed, name, index)
	}
}
