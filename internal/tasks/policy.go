package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/opsdeck-io/opsdeck/internal/repositories"
)

// Settings keys holding the JSON-array policy lists.
const (
	SettingPolicyAllow = "tasks.policy.allow"
	SettingPolicyDeny  = "tasks.policy.deny"
)

// ErrCommandDenied is returned when a command fails policy. The engine maps
// it to a failed task; the HTTP layer maps it to 403.
var ErrCommandDenied = errors.New("tasks: command denied by policy")

// CommandPolicy is the allow/deny filter applied to every task command, once
// at HTTP ingress and again inside the engine so a policy reload between
// enqueue and dispatch still takes effect.
//
// Deny patterns are checked first and match as substrings. Allow patterns,
// when present, are prefixes the command must match; an empty allow list
// permits everything not denied.
type CommandPolicy struct {
	mu        sync.RWMutex
	maxLength int
	allow     []string
	deny      []string
}

// NewCommandPolicy builds a policy with the given command length ceiling and
// static lists.
func NewCommandPolicy(maxLength int, allow, deny []string) *CommandPolicy {
	return &CommandPolicy{maxLength: maxLength, allow: allow, deny: deny}
}

// LoadFromSettings replaces the allow/deny lists from the settings store.
// Missing keys leave the corresponding list empty.
func (p *CommandPolicy) LoadFromSettings(ctx context.Context, settings repositories.SettingsRepository) error {
	allow, err := loadPatternList(ctx, settings, SettingPolicyAllow)
	if err != nil {
		return err
	}
	deny, err := loadPatternList(ctx, settings, SettingPolicyDeny)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.allow = allow
	p.deny = deny
	p.mu.Unlock()
	return nil
}

func loadPatternList(ctx context.Context, settings repositories.SettingsRepository, key string) ([]string, error) {
	raw, err := settings.Get(ctx, key)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var patterns []string
	if err := json.Unmarshal([]byte(raw), &patterns); err != nil {
		return nil, fmt.Errorf("tasks: parse %s: %w", key, err)
	}
	return patterns, nil
}

// Check returns nil when the command is allowed, or ErrCommandDenied wrapped
// with a reason.
func (p *CommandPolicy) Check(command string) error {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return fmt.Errorf("%w: empty command", ErrCommandDenied)
	}
	if p.maxLength > 0 && len(command) > p.maxLength {
		return fmt.Errorf("%w: command exceeds %d bytes", ErrCommandDenied, p.maxLength)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, pattern := range p.deny {
		if pattern != "" && strings.Contains(trimmed, pattern) {
			return fmt.Errorf("%w: matches deny pattern %q", ErrCommandDenied, pattern)
		}
	}

	if len(p.allow) == 0 {
		return nil
	}
	for _, pattern := range p.allow {
		if pattern != "" && strings.HasPrefix(trimmed, pattern) {
			return nil
		}
	}
	return fmt.Errorf("%w: no allow pattern matches", ErrCommandDenied)
}
