// Package policy decides which tools require human approval before they run.
package policy

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/amity/internal/observability"
	"github.com/haasonsaas/amity/pkg/models"
)

// Policy holds the set of sensitive tool names. A tool call naming any of
// them suspends the turn until a human approves or rejects the batch.
type Policy struct {
	mu        sync.RWMutex
	sensitive map[string]bool
}

// New creates a policy from an initial list of sensitive tool names.
// Names are matched case-insensitively.
func New(sensitive []string) *Policy {
	p := &Policy{}
	p.Replace(sensitive)
	return p
}

// Replace swaps the sensitive set atomically.
func (p *Policy) Replace(sensitive []string) {
	set := make(map[string]bool, len(sensitive))
	for _, name := range sensitive {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			set[name] = true
		}
	}
	p.mu.Lock()
	p.sensitive = set
	p.mu.Unlock()
}

// IsSensitive reports whether a single tool name requires approval.
func (p *Policy) IsSensitive(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sensitive[strings.ToLower(strings.TrimSpace(name))]
}

// AnySensitive reports whether any call in the batch names a sensitive
// tool. A single sensitive call routes the whole batch to approval so
// results stay ordered with their calls.
func (p *Policy) AnySensitive(calls []models.ToolCall) bool {
	for _, call := range calls {
		if p.IsSensitive(call.Name) {
			return true
		}
	}
	return false
}

// Sensitive returns a copy of the current sensitive set.
func (p *Policy) Sensitive() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.sensitive))
	for name := range p.sensitive {
		out = append(out, name)
	}
	return out
}

type policyFile struct {
	Sensitive []string `yaml:"sensitive"`
}

// LoadFile reads a sensitive-tool list from a YAML file of the form:
//
//	sensitive:
//	  - send_message
//	  - delete_file
func LoadFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	return f.Sensitive, nil
}

// Watch reloads the policy whenever the file at path changes. It blocks
// until ctx is canceled. Reload failures keep the previous set.
func (p *Policy) Watch(ctx context.Context, path string, logger *observability.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			sensitive, err := LoadFile(path)
			if err != nil {
				logger.Warn(ctx, "policy reload failed", "path", path, "error", err)
				continue
			}
			p.Replace(sensitive)
			logger.Info(ctx, "policy reloaded", "path", path, "sensitive_count", len(sensitive))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn(ctx, "policy watcher error", "error", err)
		}
	}
}
