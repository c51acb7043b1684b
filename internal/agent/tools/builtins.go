package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/loopcore/agentd/internal/agent/gate"
)

const (
	maxReadBytes   = 256 * 1024
	maxFetchBytes  = 512 * 1024
	maxShellOutput = 64 * 1024
)

// SafeBins are command prefixes that are read-only by nature. A shell call
// whose command matches one of these is treated as a safe-tier call.
var SafeBins = []string{
	"ls", "pwd", "cat", "head", "tail", "grep", "find", "which", "type",
	"jq", "cut", "sort", "uniq", "wc", "echo", "date", "env", "printenv",
	"git status", "git log", "git diff", "git branch", "git show",
	"go version", "node --version", "python --version",
}

// IsSafeCommand reports whether a command line starts with a safe binary.
func IsSafeCommand(cmd string) bool {
	cmd = strings.TrimSpace(cmd)
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false
	}
	for _, safe := range SafeBins {
		if parts[0] == safe {
			return true
		}
		if len(parts) > 1 && parts[0]+" "+parts[1] == safe {
			return true
		}
	}
	return false
}

// RegisterBuiltins adds the standard tool set to the registry.
func RegisterBuiltins(r *Registry) {
	r.Register(&Descriptor{
		Name:        "list_files",
		Description: "List the files in a directory. Returns names, sizes and whether each entry is a directory.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "Directory to list. Defaults to the current directory."}
			}
		}`),
		Tier:    gate.TierSafe,
		Factory: func() (Handler, error) { return HandlerFunc(listFiles), nil },
	})

	r.Register(&Descriptor{
		Name:        "read_file",
		Description: "Read a text file and return its contents.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File to read."}
			},
			"required": ["path"]
		}`),
		Tier:    gate.TierSafe,
		Factory: func() (Handler, error) { return HandlerFunc(readFile), nil },
	})

	r.Register(&Descriptor{
		Name:        "write_file",
		Description: "Write content to a file, creating it if needed and replacing what was there.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File to write."},
				"content": {"type": "string", "description": "Full file content."}
			},
			"required": ["path", "content"]
		}`),
		Tier:        gate.TierConfirm,
		Factory:     func() (Handler, error) { return HandlerFunc(writeFile), nil },
		ResourceKey: pathResourceKey,
	})

	r.Register(&Descriptor{
		Name:        "delete_file",
		Description: "Delete a file. Irreversible.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"path": {"type": "string", "description": "File to delete."}
			},
			"required": ["path"]
		}`),
		Tier:        gate.TierAlwaysConfirm,
		Factory:     func() (Handler, error) { return HandlerFunc(deleteFile), nil },
		ResourceKey: pathResourceKey,
	})

	r.Register(&Descriptor{
		Name:        "shell",
		Description: "Run a shell command and return its combined output. Commands run without elevated privileges.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "Command line to execute."},
				"timeout_seconds": {"type": "integer", "description": "Optional timeout, default 60."}
			},
			"required": ["command"]
		}`),
		Tier:    gate.TierConfirm,
		Factory: func() (Handler, error) { return HandlerFunc(runShell), nil },
	})

	r.Register(&Descriptor{
		Name:        "fetch",
		Description: "Fetch a URL over HTTP GET and return the response body as text.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "URL to fetch."}
			},
			"required": ["url"]
		}`),
		Tier: gate.TierSafe,
		Factory: func() (Handler, error) {
			client := &http.Client{Timeout: 30 * time.Second}
			return HandlerFunc(func(ctx context.Context, input json.RawMessage) (*Result, error) {
				return fetchURL(ctx, client, input)
			}), nil
		},
	})
}

// pathResourceKey serializes concurrent mutations of the same file.
func pathResourceKey(input json.RawMessage) string {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &in); err != nil || in.Path == "" {
		return ""
	}
	abs, err := filepath.Abs(in.Path)
	if err != nil {
		return "file:" + in.Path
	}
	return "file:" + abs
}

func listFiles(_ context.Context, input json.RawMessage) (*Result, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if in.Path == "" {
		in.Path = "."
	}

	entries, err := os.ReadDir(in.Path)
	if err != nil {
		return &Result{Content: fmt.Sprintf("cannot list %s: %v", in.Path, err), IsError: true}, nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var sb strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Fprintf(&sb, "%s/\n", entry.Name())
			continue
		}
		info, err := entry.Info()
		if err != nil {
			fmt.Fprintf(&sb, "%s\n", entry.Name())
			continue
		}
		fmt.Fprintf(&sb, "%s\t%d\n", entry.Name(), info.Size())
	}
	if sb.Len() == 0 {
		return &Result{Content: "(empty directory)"}, nil
	}
	return &Result{Content: sb.String()}, nil
}

func readFile(_ context.Context, input json.RawMessage) (*Result, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if in.Path == "" {
		return &Result{Content: "path is required", IsError: true}, nil
	}

	f, err := os.Open(in.Path)
	if err != nil {
		return &Result{Content: fmt.Sprintf("cannot read %s: %v", in.Path, err), IsError: true}, nil
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxReadBytes+1))
	if err != nil {
		return &Result{Content: fmt.Sprintf("cannot read %s: %v", in.Path, err), IsError: true}, nil
	}
	if len(data) > maxReadBytes {
		return &Result{Content: string(data[:maxReadBytes]) + "\n... (truncated)"}, nil
	}
	return &Result{Content: string(data)}, nil
}

func writeFile(_ context.Context, input json.RawMessage) (*Result, error) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if in.Path == "" {
		return &Result{Content: "path is required", IsError: true}, nil
	}

	if dir := filepath.Dir(in.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &Result{Content: fmt.Sprintf("cannot create directory for %s: %v", in.Path, err), IsError: true}, nil
		}
	}
	if err := os.WriteFile(in.Path, []byte(in.Content), 0o644); err != nil {
		return &Result{Content: fmt.Sprintf("cannot write %s: %v", in.Path, err), IsError: true}, nil
	}
	return &Result{Content: fmt.Sprintf("wrote %d bytes to %s", len(in.Content), in.Path)}, nil
}

func deleteFile(_ context.Context, input json.RawMessage) (*Result, error) {
	var in struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if in.Path == "" {
		return &Result{Content: "path is required", IsError: true}, nil
	}

	if err := os.Remove(in.Path); err != nil {
		return &Result{Content: fmt.Sprintf("cannot delete %s: %v", in.Path, err), IsError: true}, nil
	}
	return &Result{Content: fmt.Sprintf("deleted %s", in.Path)}, nil
}

func runShell(ctx context.Context, input json.RawMessage) (*Result, error) {
	var in struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if strings.TrimSpace(in.Command) == "" {
		return &Result{Content: "command is required", IsError: true}, nil
	}

	timeout := 60 * time.Second
	if in.TimeoutSeconds > 0 {
		timeout = time.Duration(in.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", in.Command)
	output, err := cmd.CombinedOutput()

	text := string(output)
	if len(text) > maxShellOutput {
		text = text[:maxShellOutput] + "\n... (truncated)"
	}

	if ctx.Err() == context.DeadlineExceeded {
		return &Result{Content: fmt.Sprintf("command timed out after %v\n%s", timeout, text), IsError: true}, nil
	}
	if err != nil {
		return &Result{Content: fmt.Sprintf("command failed: %v\n%s", err, text), IsError: true}, nil
	}
	if text == "" {
		text = "(no output)"
	}
	return &Result{Content: text}, nil
}

func fetchURL(ctx context.Context, client *http.Client, input json.RawMessage) (*Result, error) {
	var in struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if in.URL == "" {
		return &Result{Content: "url is required", IsError: true}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, in.URL, nil)
	if err != nil {
		return &Result{Content: fmt.Sprintf("invalid url %s: %v", in.URL, err), IsError: true}, nil
	}

	resp, err := client.Do(req)
	if err != nil {
		return &Result{Content: fmt.Sprintf("fetch failed: %v", err), IsError: true}, nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return &Result{Content: fmt.Sprintf("failed to read response: %v", err), IsError: true}, nil
	}
	text := string(body)
	if len(body) > maxFetchBytes {
		text = text[:maxFetchBytes] + "\n... (truncated)"
	}

	if resp.StatusCode >= 400 {
		return &Result{Content: fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, text), IsError: true}, nil
	}
	return &Result{Content: text}, nil
}
