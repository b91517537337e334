// Package agent runs the coding agent and the optional validation script
// inside a session worktree.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"tandem/pkg/protocol"
)

// DefaultCommand is the agent binary invoked by ExecRunner.
const DefaultCommand = "claude"

// Request describes one agent invocation.
type Request struct {
	SessionID string
	Prompt    string
	Notes     string
	Dir       string
	ThreadID  string
	Model     string
}

// Result is what the agent produced.
type Result struct {
	Output   string
	ThreadID string
}

// Runner invokes the agent for one iteration.
type Runner interface {
	RunIteration(ctx context.Context, req Request) (Result, error)
}

// ExecRunner implements Runner with a `claude -p` subprocess.
type ExecRunner struct {
	// Command overrides DefaultCommand.
	Command string
	// Model is used when the request carries no model override.
	Model string
}

// RunIteration runs `<command> -p <prompt> --output-format json [--model m]
// [--resume thread]` in req.Dir.
func (r *ExecRunner) RunIteration(ctx context.Context, req Request) (Result, error) {
	name := r.Command
	if name == "" {
		name = DefaultCommand
	}
	cmd := exec.CommandContext(ctx, name, r.args(req)...) //nolint:gosec // command comes from config
	cmd.Dir = req.Dir

	out := newTailBuffer(protocol.MaxOutputBytes)
	cmd.Stdout = out
	cmd.Stderr = out

	runErr := cmd.Run()
	res := parseOutput(out.String())
	if runErr != nil {
		return res.Result, fmt.Errorf("run %s: %w", name, runErr)
	}
	if res.isError {
		return res.Result, errors.New("agent reported an error")
	}
	return res.Result, nil
}

func (r *ExecRunner) args(req Request) []string {
	args := []string{"-p", ComposePrompt(req.Prompt, req.Notes), "--output-format", "json"}
	model := req.Model
	if model == "" {
		model = r.Model
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if req.ThreadID != "" {
		args = append(args, "--resume", req.ThreadID)
	}
	return args
}

// ComposePrompt appends iteration notes to the session prompt.
func ComposePrompt(prompt, notes string) string {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return prompt
	}
	return prompt + "\n\nNotes for this iteration:\n" + notes
}

type parsed struct {
	Result
	isError bool
}

// agentJSON is the subset of the agent's JSON result we read.
type agentJSON struct {
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error"`
}

// parseOutput extracts the thread id and result text from JSON output. It
// accepts a single JSON document or line-delimited JSON (the last object
// carrying a session_id wins). Non-JSON output is returned verbatim.
func parseOutput(raw string) parsed {
	p := parsed{Result: Result{Output: raw}}

	var doc agentJSON
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &doc); err == nil {
		p.ThreadID = doc.SessionID
		p.isError = doc.IsError
		if doc.Result != "" {
			p.Output = doc.Result
		}
		return p
	}

	sc := bufio.NewScanner(strings.NewReader(raw))
	sc.Buffer(make([]byte, 0, 64*1024), protocol.MaxOutputBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var ev agentJSON
		if json.Unmarshal([]byte(line), &ev) != nil {
			continue
		}
		if ev.SessionID != "" {
			p.ThreadID = ev.SessionID
		}
		if ev.IsError {
			p.isError = true
		}
	}
	return p
}

// tailBuffer keeps only the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{max: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
