package contracts

// Stamp is a piece of metadata attached to an envelope.
// StampName identifies the stamp kind on the wire.
type Stamp interface {
	StampName() string
}

// NonSendableStamp marks stamps that only make sense inside the current process.
// Serializers drop them before a message leaves for a transport.
type NonSendableStamp interface {
	Stamp
	NonSendable()
}

// Envelope wraps a message with its stamps
type Envelope struct {
	message any
	stamps  []Stamp
}

// NewEnvelope creates an envelope around msg.
// Passing an envelope returns it with the extra stamps appended.
func NewEnvelope(msg any, stamps ...Stamp) *Envelope {
	if env, ok := msg.(*Envelope); ok {
		return env.With(stamps...)
	}
	s := make([]Stamp, len(stamps))
	copy(s, stamps)
	return &Envelope{message: msg, stamps: s}
}

// Message returns the wrapped message
func (e *Envelope) Message() any {
	return e.message
}

// With returns a new envelope with the stamps appended after the existing ones.
func (e *Envelope) With(stamps ...Stamp) *Envelope {
	s := make([]Stamp, 0, len(e.stamps)+len(stamps))
	s = append(s, e.stamps...)
	s = append(s, stamps...)
	return &Envelope{message: e.message, stamps: s}
}

// WithMessage returns a new envelope carrying msg and the same stamps.
func (e *Envelope) WithMessage(msg any) *Envelope {
	s := make([]Stamp, len(e.stamps))
	copy(s, e.stamps)
	return &Envelope{message: msg, stamps: s}
}

// Stamps returns a copy of all stamps in append order
func (e *Envelope) Stamps() []Stamp {
	s := make([]Stamp, len(e.stamps))
	copy(s, e.stamps)
	return s
}

// Sendable returns a new envelope without the stamps implementing NonSendableStamp.
func (e *Envelope) Sendable() *Envelope {
	s := make([]Stamp, 0, len(e.stamps))
	for _, stamp := range e.stamps {
		if _, ok := stamp.(NonSendableStamp); ok {
			continue
		}
		s = append(s, stamp)
	}
	return &Envelope{message: e.message, stamps: s}
}

// Last returns the most recently appended stamp of type T.
func Last[T Stamp](e *Envelope) (T, bool) {
	for i := len(e.stamps) - 1; i >= 0; i-- {
		if s, ok := e.stamps[i].(T); ok {
			return s, true
		}
	}
	var zero T
	return zero, false
}

// All returns every stamp of type T, oldest first.
func All[T Stamp](e *Envelope) []T {
	var out []T
	for _, stamp := range e.stamps {
		if s, ok := stamp.(T); ok {
			out = append(out, s)
		}
	}
	return out
}

// Has reports whether the envelope carries at least one stamp of type T.
func Has[T Stamp](e *Envelope) bool {
	_, ok := Last[T](e)
	return ok
}

// WithoutAll returns a new envelope with every stamp of type T left out.
// The original envelope keeps its stamps.
func WithoutAll[T Stamp](e *Envelope) *Envelope {
	s := make([]Stamp, 0, len(e.stamps))
	for _, stamp := range e.stamps {
		if _, ok := stamp.(T); ok {
			continue
		}
		s = append(s, stamp)
	}
	return &Envelope{message: e.message, stamps: s}
}

// KeepLast returns a new envelope holding at most n stamps of type T, dropping the oldest.
func KeepLast[T Stamp](e *Envelope, n int) *Envelope {
	excess := len(All[T](e)) - n
	if excess <= 0 {
		return e
	}
	s := make([]Stamp, 0, len(e.stamps)-excess)
	for _, stamp := range e.stamps {
		if _, ok := stamp.(T); ok && excess > 0 {
			excess--
			continue
		}
		s = append(s, stamp)
	}
	return &Envelope{message: e.message, stamps: s}
}
