package pipeline

import (
	"fmt"

	"github.com/mattjoyce/tinyc/internal/stage"
)

// State is a step of the run state machine.
type State string

const (
	StateInit              State = "init"
	StateStaged            State = "staged"
	StateBuilt             State = "built"
	StateScanned           State = "scanned"
	StateParsed            State = "parsed"
	StateRendered          State = "rendered"
	StatePartiallyRendered State = "partially_rendered"
	StateDone              State = "done"
	StateFailed            State = "failed"
)

var transitions = map[State][]State{
	StateInit:              {StateStaged},
	StateStaged:            {StateBuilt},
	StateBuilt:             {StateScanned},
	StateScanned:           {StateParsed},
	StateParsed:            {StateRendered, StatePartiallyRendered},
	StateRendered:          {StateDone},
	StatePartiallyRendered: {StateDone},
	StateFailed:            {StateDone},
}

// CanTransition reports whether from → to is a legal step. Failed is
// reachable from every non-terminal state.
func CanTransition(from, to State) bool {
	if to == StateFailed {
		return from != StateDone && from != StateFailed
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// afterStage is the state a successful stage moves the run into.
func afterStage(name string, res stage.Result) (State, error) {
	switch name {
	case stage.NameBuild:
		return StateBuilt, nil
	case stage.NameScanner:
		return StateScanned, nil
	case stage.NameParser:
		return StateParsed, nil
	case stage.NameRender:
		if res.Skipped {
			return StatePartiallyRendered, nil
		}
		return StateRendered, nil
	default:
		return "", fmt.Errorf("unknown stage %q", name)
	}
}
