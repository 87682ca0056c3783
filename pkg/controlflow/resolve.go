package controlflow

// Mode tells how successors of a finished script task were chosen.
type Mode string

const (
	// ModeDefault defers to dependency-based triggering.
	ModeDefault Mode = "default"
	// ModeExplicit schedules exactly Decision.Next.
	ModeExplicit Mode = "explicit"
	// ModeTerminal stops the branch.
	ModeTerminal Mode = "terminal"
)

// Decision is the outcome of resolving a script return.
type Decision struct {
	Mode   Mode
	Next   []int
	Reason string
}

// Resolve computes the successors of a finished script task. defaultSuccessors is what
// dependency triggering would start and is returned untouched in ModeDefault.
func Resolve(ret ScriptReturn, defaultSuccessors []int) (Decision, error) {
	if ret.Control == nil {
		return Decision{Mode: ModeDefault, Next: defaultSuccessors}, nil
	}

	control, err := ValidateControlFlow(ret.Control)
	if err != nil {
		return Decision{}, err
	}

	switch {
	case !control.HasNext:
		return Decision{Mode: ModeDefault, Next: defaultSuccessors, Reason: control.Reason}, nil
	case control.Terminal():
		return Decision{Mode: ModeTerminal, Reason: control.Reason}, nil
	default:
		return Decision{Mode: ModeExplicit, Next: control.Next, Reason: control.Reason}, nil
	}
}
