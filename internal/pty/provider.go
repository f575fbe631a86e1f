package pty

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/remote-agent-terminal/gateway/internal/model"
	"github.com/remote-agent-terminal/gateway/internal/terminal"
	"github.com/rs/zerolog/log"
)

// TargetLookup resolves a target id to its record.
type TargetLookup interface {
	GetByID(ctx context.Context, id string) (*model.Target, error)
}

// Provider opens a local PTY process per target, running the target's
// command in its working directory.
type Provider struct {
	targets TargetLookup
	rows    uint16
	cols    uint16
}

var _ terminal.StreamProvider = (*Provider)(nil)

func NewProvider(targets TargetLookup, rows, cols uint16) *Provider {
	return &Provider{targets: targets, rows: rows, cols: cols}
}

// Create starts the target's command. An unknown target yields an error
// wrapping model.ErrTargetNotFound.
func (p *Provider) Create(ctx context.Context, targetID string) (terminal.Stream, error) {
	target, err := p.targets.GetByID(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve target %s: %w", targetID, err)
	}

	parts := splitCommand(target.Command)
	if len(parts) == 0 {
		return nil, model.ErrCommandRequired
	}

	// Start with current process environment to inherit PATH, HOME, etc.
	env := os.Environ()
	for k, v := range target.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	workdir, err := expandWorkdir(target.Workdir)
	if err != nil {
		return nil, err
	}
	if workdir != "" {
		if err := os.MkdirAll(workdir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create working directory %s: %w", workdir, err)
		}
	}

	proc, err := Start(StartOptions{
		Command: parts[0],
		Args:    parts[1:],
		Env:     env,
		Dir:     workdir,
		Rows:    p.rows,
		Cols:    p.cols,
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("module", "pty").Str("target", targetID).Int("pid", proc.PID()).Msg("process started")
	go func() {
		<-proc.Done()
		log.Info().Str("module", "pty").Str("target", targetID).Int("exit_code", proc.ExitCode()).Msg("process exited")
	}()
	return proc, nil
}

// expandWorkdir expands a leading ~ to the user's home directory.
func expandWorkdir(dir string) (string, error) {
	if dir == "" || dir[0] != '~' {
		return dir, nil
	}
	if len(dir) > 1 && dir[1] != '/' {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return home + strings.TrimPrefix(dir, "~"), nil
}

// splitCommand splits a command string into command and arguments,
// honouring single and double quotes.
func splitCommand(cmd string) []string {
	var parts []string
	var current []rune
	inQuote := false
	quoteChar := rune(0)

	for _, r := range cmd {
		switch {
		case r == '"' || r == '\'':
			if inQuote {
				if r == quoteChar {
					inQuote = false
					quoteChar = 0
				} else {
					current = append(current, r)
				}
			} else {
				inQuote = true
				quoteChar = r
			}
		case r == ' ' || r == '\t':
			if inQuote {
				current = append(current, r)
			} else if len(current) > 0 {
				parts = append(parts, string(current))
				current = nil
			}
		default:
			current = append(current, r)
		}
	}

	if len(current) > 0 {
		parts = append(parts, string(current))
	}

	return parts
}
