package admin

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ActionKind is the closed set of privileged actions a command definition
// can name. Dispatch is an exhaustive switch, so an unrecognized action is
// a single well-defined failure arm instead of a runtime map miss.
type ActionKind int

const (
	// ActionUnknown is the default arm for unrecognized action names.
	ActionUnknown ActionKind = iota
	// ActionKnock opens or closes a firewall port for a bounded duration.
	ActionKnock
)

// ParseActionKind maps a registry action name to its kind.
func ParseActionKind(name string) ActionKind {
	switch name {
	case "knock":
		return ActionKnock
	default:
		return ActionUnknown
	}
}

// Result is the outcome of one action handler invocation.
type Result struct {
	Success bool
	Message string
}

// Executor runs privileged actions on behalf of verified admin commands.
type Executor interface {
	Execute(ctx context.Context, kind ActionKind, command, rawParams string, static map[string]any, txHash string) Result
	CloseAll(ctx context.Context)
}

// Handlers executes actions by shelling out to privileged helper binaries.
// The monitor itself never touches the firewall; the helper carries the
// required capabilities.
type Handlers struct {
	knockHelper string
	// openKnocks maps port to expiry for knocks this process opened, so
	// shutdown can close them without trusting helper-side timers alone.
	openKnocks map[int]time.Time
	runCommand func(ctx context.Context, name string, args ...string) ([]byte, error)
}

// NewHandlers creates the action handler table.
func NewHandlers(knockHelper string) *Handlers {
	return &Handlers{
		knockHelper: knockHelper,
		openKnocks:  make(map[int]time.Time),
		runCommand: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
	}
}

// Execute dispatches one verified command to its action handler.
func (h *Handlers) Execute(ctx context.Context, kind ActionKind, command, rawParams string, static map[string]any, txHash string) Result {
	switch kind {
	case ActionKnock:
		return h.knock(ctx, rawParams, static, txHash)
	default:
		return Result{Success: false, Message: fmt.Sprintf("unknown action for command %q", command)}
	}
}

// knock handles "open:PORT[:SECONDS]" and "close:PORT". The port must be in
// the registry's allowed_ports; the duration defaults to the registry's
// default_duration and is capped by it.
func (h *Handlers) knock(ctx context.Context, rawParams string, static map[string]any, txHash string) Result {
	verb, port, seconds, err := parseKnockParams(rawParams, static)
	if err != nil {
		return Result{Success: false, Message: err.Error()}
	}

	args := []string{verb, strconv.Itoa(port)}
	if verb == "open" {
		args = append(args, strconv.Itoa(seconds))
	}

	output, err := h.runCommand(ctx, h.knockHelper, args...)
	if err != nil {
		slog.Error("knock helper failed", "verb", verb, "port", port, "tx", txHash, "output", strings.TrimSpace(string(output)), "error", err)
		return Result{Success: false, Message: fmt.Sprintf("knock %s %d failed: %v", verb, port, err)}
	}

	if verb == "open" {
		h.openKnocks[port] = time.Now().Add(time.Duration(seconds) * time.Second)
	} else {
		delete(h.openKnocks, port)
	}

	slog.Info("knock executed", "verb", verb, "port", port, "seconds", seconds, "tx", txHash)
	return Result{Success: true, Message: fmt.Sprintf("knock %s %d ok", verb, port)}
}

// CloseAll closes every knock this process opened. Called on shutdown as a
// bounded best-effort cleanup.
func (h *Handlers) CloseAll(ctx context.Context) {
	for port := range h.openKnocks {
		if _, err := h.runCommand(ctx, h.knockHelper, "close", strconv.Itoa(port)); err != nil {
			slog.Warn("failed to close knock on shutdown", "port", port, "error", err)
			continue
		}
		delete(h.openKnocks, port)
		slog.Info("closed knock on shutdown", "port", port)
	}
}

// parseKnockParams validates the per-command params against the registry's
// static params.
func parseKnockParams(rawParams string, static map[string]any) (verb string, port, seconds int, err error) {
	parts := strings.Split(strings.TrimSpace(rawParams), ":")
	if len(parts) < 2 {
		return "", 0, 0, fmt.Errorf("knock params must be open:PORT[:SECONDS] or close:PORT, got %q", rawParams)
	}

	verb = parts[0]
	if verb != "open" && verb != "close" {
		return "", 0, 0, fmt.Errorf("knock verb must be open or close, got %q", verb)
	}

	port, err = strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return "", 0, 0, fmt.Errorf("invalid knock port %q", parts[1])
	}

	if !portAllowed(port, static) {
		return "", 0, 0, fmt.Errorf("port %d is not in allowed_ports", port)
	}

	maxSeconds := intParam(static, "default_duration", 300)
	seconds = maxSeconds
	if verb == "open" && len(parts) >= 3 {
		requested, err := strconv.Atoi(parts[2])
		if err != nil || requested <= 0 {
			return "", 0, 0, fmt.Errorf("invalid knock duration %q", parts[2])
		}
		if requested < maxSeconds {
			seconds = requested
		}
	}

	return verb, port, seconds, nil
}

// portAllowed checks the port against the registry's allowed_ports list.
// An absent list allows nothing: the operator must opt ports in.
func portAllowed(port int, static map[string]any) bool {
	raw, ok := static["allowed_ports"].([]any)
	if !ok {
		return false
	}
	for _, entry := range raw {
		switch p := entry.(type) {
		case float64:
			if int(p) == port {
				return true
			}
		case int:
			if p == port {
				return true
			}
		}
	}
	return false
}

// intParam reads an integer static param, tolerating JSON's float64 decoding.
func intParam(static map[string]any, key string, fallback int) int {
	switch v := static[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return fallback
	}
}
