package code

import "github.com/mjl-/wormhole/internal/errs"

// State is the state of a code Machine.
type State int

const (
	Idle State = iota
	InputtingNameplate
	InputtingWords
	Allocating
	Known
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case InputtingNameplate:
		return "inputting nameplate"
	case InputtingWords:
		return "inputting words"
	case Allocating:
		return "allocating"
	case Known:
		return "known"
	}
	return "unknown"
}

// Input is an event processed by Machine.Process.
type Input interface {
	input()
}

type (
	// AllocateCode asks for a new code, with words from Wordlist.
	AllocateCode struct{ Wordlist Wordlist }

	// InputCode starts interactive entry of a code.
	InputCode struct{}

	// SetCode sets a complete code.
	SetCode struct{ Code Code }

	// GotNameplate is the nameplate entered interactively.
	GotNameplate struct{ Nameplate Nameplate }

	// FinishedInput are the words entered interactively, joined by "-".
	FinishedInput struct{ Words string }

	// Allocated is the allocator's answer to an Allocate event.
	Allocated struct {
		Nameplate Nameplate
		Code      Code
	}
)

func (AllocateCode) input()  {}
func (InputCode) input()     {}
func (SetCode) input()       {}
func (GotNameplate) input()  {}
func (FinishedInput) input() {}
func (Allocated) input()     {}

// Event is produced by the machine, to be delivered to another component.
type Event interface {
	event()
}

type (
	// Allocate is for the allocator: claim a nameplate and choose words.
	Allocate struct{ Wordlist Wordlist }

	// StartInput is for the input helper: begin asking for a nameplate.
	StartInput struct{}

	// SetNameplate is for the nameplate machine: claim this nameplate.
	SetNameplate struct{ Nameplate Nameplate }

	// BossGotCode tells the application the code is known.
	BossGotCode struct{ Code Code }

	// KeyGotCode is for the key machine: start key agreement with the code.
	KeyGotCode struct{ Code Code }
)

func (Allocate) event()     {}
func (StartInput) event()   {}
func (SetNameplate) event() {}
func (BossGotCode) event()  {}
func (KeyGotCode) event()   {}

// Machine is the code state machine. The zero value is not usable, use New.
type Machine struct {
	state     State
	nameplate Nameplate
	code      Code
}

// New returns a machine in state Idle.
func New() *Machine {
	return &Machine{state: Idle}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Code returns the code once known, and the empty string before.
func (m *Machine) Code() Code {
	return m.code
}

// Nameplate returns the nameplate once set.
func (m *Machine) Nameplate() Nameplate {
	return m.nameplate
}

// Process dispatches in to the matching operation.
func (m *Machine) Process(in Input) ([]Event, error) {
	switch in := in.(type) {
	case AllocateCode:
		return m.AllocateCode(in.Wordlist)
	case InputCode:
		return m.InputCode()
	case SetCode:
		return m.SetCode(in.Code)
	case GotNameplate:
		return m.GotNameplate(in.Nameplate)
	case FinishedInput:
		return m.FinishedInput(in.Words)
	case Allocated:
		return m.Allocated(in.Nameplate, in.Code)
	}
	return nil, errs.Prefix(ErrContract, "unknown input %T", in)
}

func (m *Machine) want(state State, op string) error {
	if m.state != state {
		return errs.Prefix(ErrContract, "%s in state %s", op, m.state)
	}
	return nil
}

// AllocateCode requests a new code from the allocator.
func (m *Machine) AllocateCode(wordlist Wordlist) ([]Event, error) {
	if err := m.want(Idle, "allocate code"); err != nil {
		return nil, err
	}
	m.state = Allocating
	return []Event{Allocate{wordlist}}, nil
}

// InputCode starts interactive input. The caller then supplies the nameplate
// with GotNameplate and the words with FinishedInput.
func (m *Machine) InputCode() ([]Event, error) {
	if err := m.want(Idle, "input code"); err != nil {
		return nil, err
	}
	m.state = InputtingNameplate
	return []Event{StartInput{}}, nil
}

// SetCode sets a complete code, for example one typed on a command line.
func (m *Machine) SetCode(code Code) ([]Event, error) {
	if err := m.want(Idle, "set code"); err != nil {
		return nil, err
	}
	if err := ValidateCode(code); err != nil {
		return nil, err
	}
	return m.known(code.Nameplate(), code, true), nil
}

// GotNameplate records the interactively entered nameplate.
func (m *Machine) GotNameplate(nameplate Nameplate) ([]Event, error) {
	if err := m.want(InputtingNameplate, "got nameplate"); err != nil {
		return nil, err
	}
	if err := validateNameplate(nameplate); err != nil {
		return nil, err
	}
	m.nameplate = nameplate
	m.state = InputtingWords
	return []Event{SetNameplate{nameplate}}, nil
}

// FinishedInput completes interactive input with the words of the code.
func (m *Machine) FinishedInput(words string) ([]Event, error) {
	if err := m.want(InputtingWords, "finished input"); err != nil {
		return nil, err
	}
	code := Code(string(m.nameplate) + "-" + words)
	if err := ValidateCode(code); err != nil {
		return nil, err
	}
	// The nameplate was already announced by GotNameplate.
	return m.known(m.nameplate, code, false), nil
}

// Allocated delivers the allocator's result. The allocator is remote input:
// a result in the wrong state, or a code that does not start with the
// nameplate, is a protocol error.
func (m *Machine) Allocated(nameplate Nameplate, code Code) ([]Event, error) {
	if m.state != Allocating {
		return nil, errs.Prefix(ErrProtocol, "allocated in state %s", m.state)
	}
	if !hasNameplate(code, nameplate) {
		return nil, errs.Prefix(ErrProtocol, "allocated code does not start with nameplate %q", nameplate)
	}
	return m.known(nameplate, code, true), nil
}

func hasNameplate(code Code, nameplate Nameplate) bool {
	prefix := string(nameplate) + "-"
	return len(code) > len(prefix) && string(code[:len(prefix)]) == prefix
}

func (m *Machine) known(nameplate Nameplate, code Code, announce bool) []Event {
	m.nameplate = nameplate
	m.code = code
	m.state = Known
	var events []Event
	if announce {
		events = append(events, SetNameplate{nameplate})
	}
	return append(events, BossGotCode{code}, KeyGotCode{code})
}
