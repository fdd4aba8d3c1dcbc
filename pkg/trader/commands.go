package trader

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Command is an operator control verb.
type Command int

const (
	// CommandArm switches new entries from DRY_BUY to live BUY.
	CommandArm Command = iota
	// CommandDisarm reverts new entries to DRY_BUY. Open positions
	// are unaffected.
	CommandDisarm
	// CommandEnable resumes processing of transitions and signals.
	CommandEnable
	// CommandDisable pauses the trader. Open positions keep marking
	// and still close on max hold.
	CommandDisable
)

func (c Command) String() string {
	switch c {
	case CommandArm:
		return "arm"
	case CommandDisarm:
		return "disarm"
	case CommandEnable:
		return "enable"
	case CommandDisable:
		return "disable"
	default:
		return "unknown"
	}
}

// ParseCommand maps a wire verb to a Command.
func ParseCommand(s string) (Command, error) {
	switch s {
	case "arm":
		return CommandArm, nil
	case "disarm":
		return CommandDisarm, nil
	case "enable":
		return CommandEnable, nil
	case "disable":
		return CommandDisable, nil
	default:
		return 0, fmt.Errorf("trader: unknown command %q", s)
	}
}

// Status is the trader's control-plane state.
type Status struct {
	Armed         bool `json:"armed"`
	Enabled       bool `json:"enabled"`
	OpenPositions int  `json:"open_positions"`
}

// Apply executes a command atomically and returns the resulting
// status. Redundant commands are acknowledged, not errors.
func (t *Trader) Apply(cmd Command) (Status, error) {
	t.mu.Lock()
	switch cmd {
	case CommandArm:
		t.armed = true
	case CommandDisarm:
		t.armed = false
	case CommandEnable:
		t.enabled = true
	case CommandDisable:
		t.enabled = false
	default:
		t.mu.Unlock()
		return Status{}, fmt.Errorf("trader: unknown command %d", cmd)
	}
	st := Status{Armed: t.armed, Enabled: t.enabled, OpenPositions: t.open}
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{
		"command": cmd.String(),
		"armed":   st.Armed,
		"enabled": st.Enabled,
	}).Info("command applied")
	return st, nil
}

// Status reports the current control-plane state.
func (t *Trader) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Status{Armed: t.armed, Enabled: t.enabled, OpenPositions: t.open}
}
