package dilate

import "github.com/mjl-/wormhole/internal/errs"

// SubchannelState is the state of a Subchannel.
type SubchannelState int

const (
	SubchannelOpen SubchannelState = iota
	SubchannelClosing
	SubchannelClosed
)

func (s SubchannelState) String() string {
	switch s {
	case SubchannelOpen:
		return "open"
	case SubchannelClosing:
		return "closing"
	case SubchannelClosed:
		return "closed"
	}
	return "unknown"
}

// SubchannelEvent is an input to Subchannel.Process.
type SubchannelEvent interface {
	subchannelEvent()
}

type (
	// LocalData is data the application writes.
	LocalData struct{ Data []byte }

	// RemoteData is data from a Data record of the peer.
	RemoteData struct{ Data []byte }

	// LocalClose is the application closing the subchannel.
	LocalClose struct{}

	// RemoteClose is a Close record of the peer.
	RemoteClose struct{}

	// Disconnect is the connection carrying the subchannel going away.
	Disconnect struct{}
)

func (LocalData) subchannelEvent()   {}
func (RemoteData) subchannelEvent()  {}
func (LocalClose) subchannelEvent()  {}
func (RemoteClose) subchannelEvent() {}
func (Disconnect) subchannelEvent()  {}

// SubchannelOutput is produced by a Subchannel.
type SubchannelOutput interface {
	subchannelOutput()
}

type (
	// SendData asks to send a Data record for the subchannel.
	SendData struct{ Data []byte }

	// SendClose asks to send a Close record for the subchannel.
	SendClose struct{}

	// DeliverData hands received data to the application.
	DeliverData struct{ Data []byte }

	// ConnectionLost tells the application no more data will arrive. The
	// subchannel is closed and must be removed from the router.
	ConnectionLost struct{}
)

func (SendData) subchannelOutput()       {}
func (SendClose) subchannelOutput()      {}
func (DeliverData) subchannelOutput()    {}
func (ConnectionLost) subchannelOutput() {}

// Subchannel tracks the open/close state of one logical stream.
type Subchannel struct {
	id    SubchannelID
	state SubchannelState
}

// NewSubchannel returns a subchannel in state SubchannelOpen.
func NewSubchannel(id SubchannelID) *Subchannel {
	return &Subchannel{id: id, state: SubchannelOpen}
}

func (s *Subchannel) ID() SubchannelID {
	return s.id
}

func (s *Subchannel) State() SubchannelState {
	return s.state
}

// Process applies ev. Events from the application that are not allowed
// return ErrContract, events from the peer return ErrProtocol. A closed
// subchannel accepts no events.
func (s *Subchannel) Process(ev SubchannelEvent) ([]SubchannelOutput, error) {
	if s.state == SubchannelClosed {
		switch ev.(type) {
		case RemoteData, RemoteClose:
			return nil, errs.Prefix(ErrProtocol, "subchannel %d: %T after close", s.id, ev)
		}
		return nil, errs.Prefix(ErrContract, "subchannel %d: %T after close", s.id, ev)
	}

	switch ev := ev.(type) {
	case LocalData:
		if s.state != SubchannelOpen {
			return nil, errs.Prefix(ErrContract, "subchannel %d: write while %s", s.id, s.state)
		}
		return []SubchannelOutput{SendData{ev.Data}}, nil

	case RemoteData:
		return []SubchannelOutput{DeliverData{ev.Data}}, nil

	case LocalClose:
		if s.state != SubchannelOpen {
			return nil, errs.Prefix(ErrContract, "subchannel %d: close while %s", s.id, s.state)
		}
		s.state = SubchannelClosing
		return []SubchannelOutput{SendClose{}}, nil

	case RemoteClose:
		var out []SubchannelOutput
		if s.state == SubchannelOpen {
			out = append(out, SendClose{})
		}
		s.state = SubchannelClosed
		return append(out, ConnectionLost{}), nil

	case Disconnect:
		s.state = SubchannelClosed
		return []SubchannelOutput{ConnectionLost{}}, nil
	}
	return nil, errs.Prefix(ErrContract, "subchannel %d: unknown event %T", s.id, ev)
}

// LocalData is Process(LocalData{data}).
func (s *Subchannel) LocalData(data []byte) ([]SubchannelOutput, error) {
	return s.Process(LocalData{data})
}

// RemoteData is Process(RemoteData{data}).
func (s *Subchannel) RemoteData(data []byte) ([]SubchannelOutput, error) {
	return s.Process(RemoteData{data})
}

// LocalClose is Process(LocalClose{}).
func (s *Subchannel) LocalClose() ([]SubchannelOutput, error) {
	return s.Process(LocalClose{})
}

// RemoteClose is Process(RemoteClose{}).
func (s *Subchannel) RemoteClose() ([]SubchannelOutput, error) {
	return s.Process(RemoteClose{})
}
