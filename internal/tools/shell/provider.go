// Package shell exposes the per-conversation container shell as agent tools.
package shell

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/warden/internal/observability"
	"github.com/haasonsaas/warden/internal/sandbox"
	"github.com/haasonsaas/warden/internal/tools"
)

const defaultTimeoutSeconds = 120

// Sandbox is the slice of the container manager the provider consumes.
type Sandbox interface {
	Execute(ctx context.Context, conversationID, command string, timeout time.Duration, workingDir string) (sandbox.ExecResult, error)
	Status(conversationID string) sandbox.Status
	Reset(ctx context.Context, conversationID string, keepScratch bool) error
}

// Provider declares bash, bash_status, and bash_reset. Each conversation gets
// its own container; the container is created on the first bash call, not
// before.
type Provider struct {
	sb     Sandbox
	logger *observability.Logger
}

// NewProvider creates the shell tool provider.
func NewProvider(sb Sandbox, logger *observability.Logger) *Provider {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Provider{sb: sb, logger: logger.WithFields("provider", "shell")}
}

func (p *Provider) Name() string { return "shell" }

func (p *Provider) Declare() ([]tools.Tool, map[string]any, map[string]any) {
	declared := []tools.Tool{
		{
			Name:  "bash",
			Title: "Run shell command",
			Description: "Execute a bash command inside this conversation's Linux container. " +
				"The shell is stateful: working directory, environment variables, and " +
				"background processes persist between calls. The container is created on " +
				"first use and its /mnt directory survives resets of the shell itself.",
			Params: map[string]*tools.Param{
				"command": {
					Type:        tools.TypeString,
					Description: "The bash command to execute",
					Required:    true,
				},
				"timeout": {
					Type:        tools.TypeNumber,
					Description: "Seconds to wait before interrupting the command",
					Default:     defaultTimeoutSeconds,
				},
				"working_dir": {
					Type:        tools.TypeString,
					Description: "Directory to cd into before running the command",
				},
			},
		},
		{
			Name:        "bash_status",
			Title:       "Shell container status",
			Description: "Report the state of this conversation's container: lifecycle state, resource limits, and command counters.",
			Params:      map[string]*tools.Param{},
		},
		{
			Name:  "bash_reset",
			Title: "Reset shell container",
			Description: "Destroy this conversation's container and start fresh on the next bash call. " +
				"Set keep_data to preserve the files in the working directory.",
			Params: map[string]*tools.Param{
				"keep_data": {
					Type:        tools.TypeBoolean,
					Description: "Keep the working directory contents",
					Default:     false,
				},
			},
		},
	}

	globalState := map[string]any{"total_commands": 0}
	convTemplate := map[string]any{"commands_run": 0}
	return declared, globalState, convTemplate
}

func (p *Provider) Invoke(ctx context.Context, toolName string, args, convState, globalState map[string]any) (any, error) {
	conversationID, _ := convState[tools.StateConversationID].(string)
	if conversationID == "" {
		return nil, errors.New("shell tools need a conversation id")
	}

	switch toolName {
	case "bash":
		return p.runBash(ctx, conversationID, args, convState, globalState)
	case "bash_status":
		return p.status(conversationID), nil
	case "bash_reset":
		return p.reset(ctx, conversationID, args, convState)
	default:
		return nil, fmt.Errorf("%w: %s", tools.ErrUnknownTool, toolName)
	}
}

func (p *Provider) runBash(ctx context.Context, conversationID string, args, convState, globalState map[string]any) (any, error) {
	command, _ := args["command"].(string)
	workingDir, _ := args["working_dir"].(string)
	timeout := secondsArg(args["timeout"], defaultTimeoutSeconds)

	res, err := p.sb.Execute(ctx, conversationID, command, timeout, workingDir)
	if err != nil {
		return nil, err
	}

	bumpCounter(convState, "commands_run")
	bumpCounter(globalState, "total_commands")

	output := res.Stdout
	if !res.Success() {
		if res.Stderr != "" {
			output = res.Stderr
		}
	}
	return map[string]any{
		"exit_code":             res.ExitCode,
		"stdout":                res.Stdout,
		"stderr":                res.Stderr,
		"success":               res.Success(),
		"command":               command,
		"execution_time":        res.Duration.Seconds(),
		"conversation_id":       conversationID,
		"command_number":        res.CommandNumber,
		"container_was_created": res.CreatedOrResumed,
		"output":                output,
	}, nil
}

func (p *Provider) status(conversationID string) any {
	status := p.sb.Status(conversationID)
	return map[string]any{
		"conversation_id":      conversationID,
		"state":                string(status.State),
		"container_name":       status.ContainerName,
		"working_directory":    status.WorkDir,
		"command_count":        status.CommandCount,
		"memory_limit":         status.MemoryLimit,
		"cpu_limit":            status.CPULimit,
		"idle_timeout_seconds": status.IdleTimeout.Seconds(),
		"created_at":           timeOrEmpty(status.CreatedAt),
		"last_activity":        timeOrEmpty(status.LastActivity),
	}
}

func (p *Provider) reset(ctx context.Context, conversationID string, args, convState map[string]any) (any, error) {
	keepData, _ := args["keep_data"].(bool)
	if err := p.sb.Reset(ctx, conversationID, keepData); err != nil {
		return nil, err
	}
	convState["commands_run"] = 0
	p.logger.Info(ctx, "shell container reset",
		"conversation_id", conversationID, "keep_data", keepData)
	return map[string]any{
		"reset":           true,
		"conversation_id": conversationID,
		"kept_data":       keepData,
	}, nil
}

// secondsArg accepts the numeric shapes validation lets through for a
// "number" parameter.
func secondsArg(v any, fallback float64) time.Duration {
	secs := fallback
	switch n := v.(type) {
	case float64:
		secs = n
	case int:
		secs = float64(n)
	case int64:
		secs = float64(n)
	}
	if secs <= 0 {
		secs = fallback
	}
	return time.Duration(secs * float64(time.Second))
}

// bumpCounter tolerates the int-to-float64 shift a state reload introduces.
func bumpCounter(state map[string]any, key string) {
	switch n := state[key].(type) {
	case int:
		state[key] = n + 1
	case float64:
		state[key] = n + 1
	default:
		state[key] = 1
	}
}

func timeOrEmpty(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
