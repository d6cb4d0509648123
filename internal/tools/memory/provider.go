// Package memory gives the agent durable recall: short facts written to a
// plain text file in the shared agent-memory directory, visible to every
// conversation and surviving restarts.
package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/haasonsaas/warden/internal/tools"
)

const factsFileName = "user_facts.txt"

// Provider declares remember_fact and list_facts.
type Provider struct {
	mu  sync.Mutex
	dir string
}

// NewProvider stores facts under dir (the shared agent-memory directory).
func NewProvider(dir string) *Provider {
	return &Provider{dir: dir}
}

func (p *Provider) Name() string { return "memory" }

func (p *Provider) Declare() ([]tools.Tool, map[string]any, map[string]any) {
	declared := []tools.Tool{
		{
			Name:  "remember_fact",
			Title: "Remember a fact",
			Description: "Store a short fact about the user or their preferences. " +
				"Facts persist across conversations and restarts.",
			Params: map[string]*tools.Param{
				"fact": {
					Type:        tools.TypeString,
					Description: "The fact to remember, one sentence",
					Required:    true,
				},
			},
		},
		{
			Name:        "list_facts",
			Title:       "List remembered facts",
			Description: "List every fact previously stored with remember_fact.",
			Params:      map[string]*tools.Param{},
		},
	}
	return declared, map[string]any{"facts_stored": 0}, nil
}

func (p *Provider) Invoke(ctx context.Context, toolName string, args, convState, globalState map[string]any) (any, error) {
	switch toolName {
	case "remember_fact":
		fact, _ := args["fact"].(string)
		fact = strings.TrimSpace(fact)
		if fact == "" {
			return nil, errors.New("fact must not be empty")
		}
		if strings.ContainsRune(fact, '\n') {
			fact = strings.Join(strings.Fields(fact), " ")
		}
		if err := p.appendFact(fact); err != nil {
			return nil, err
		}
		switch n := globalState["facts_stored"].(type) {
		case int:
			globalState["facts_stored"] = n + 1
		case float64:
			globalState["facts_stored"] = n + 1
		default:
			globalState["facts_stored"] = 1
		}
		return fmt.Sprintf("Remembered: %s", fact), nil

	case "list_facts":
		facts, err := p.readFacts()
		if err != nil {
			return nil, err
		}
		return map[string]any{"facts": facts, "count": len(facts)}, nil

	default:
		return nil, fmt.Errorf("%w: %s", tools.ErrUnknownTool, toolName)
	}
}

func (p *Provider) factsPath() string {
	return filepath.Join(p.dir, factsFileName)
}

func (p *Provider) appendFact(fact string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("create memory dir: %w", err)
	}
	f, err := os.OpenFile(p.factsPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open facts file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(fact + "\n"); err != nil {
		return fmt.Errorf("write fact: %w", err)
	}
	return nil
}

func (p *Provider) readFacts() ([]any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, err := os.ReadFile(p.factsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return []any{}, nil
		}
		return nil, fmt.Errorf("read facts file: %w", err)
	}
	facts := []any{}
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			facts = append(facts, line)
		}
	}
	return facts, nil
}
