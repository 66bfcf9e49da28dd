package runner

import "fmt"

// State is the lifecycle state of a Runner. States only advance forward:
// Preparing -> Waiting -> Running -> Finished, or jump straight to Finished.
type State int

const (
	Preparing State = iota
	Waiting
	Running
	Finished
)

func (s State) String() string {
	switch s {
	case Preparing:
		return "preparing"
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// Outcome classifies how a finished Runner ended. It is meaningful only once
// the state is Finished.
type Outcome int

const (
	None Outcome = iota
	NonzeroExit
	NeverReachedCheckpoint
	Aborted
)

// Outcomes lists every outcome kind, in reporting order.
var Outcomes = []Outcome{None, NonzeroExit, NeverReachedCheckpoint, Aborted}

func (o Outcome) String() string {
	switch o {
	case None:
		return "none"
	case NonzeroExit:
		return "nonzero_exit"
	case NeverReachedCheckpoint:
		return "never_reached_checkpoint"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(text []byte) error {
	for _, x := range Outcomes {
		if x.String() == string(text) {
			*o = x
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", text)
}
