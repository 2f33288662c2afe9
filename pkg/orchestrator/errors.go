package orchestrator

import "fmt"

// ErrorKind classifies a terminal failure raised by a channel session, per
// the error taxonomy: ProducerStartup, NoScheduleData, ChannelFailed,
// Scheduling, Transport.
type ErrorKind string

const (
	KindProducerStartup ErrorKind = "ProducerStartup"
	KindNoScheduleData  ErrorKind = "NoScheduleData"
	KindChannelFailed   ErrorKind = "ChannelFailed"
	KindScheduling      ErrorKind = "Scheduling"
	KindTransport       ErrorKind = "Transport"
)

// FatalError is the terminal error a session records on entering
// FAILED_TERMINAL. It is queued as a pending fatal for the tick driver to
// surface, per the bounded one-slot-per-session discipline.
type FatalError struct {
	Kind      ErrorKind
	ChannelID string
	Invariant string // INV-* name, empty if not invariant-specific
	Err       error
}

func (e *FatalError) Error() string {
	if e.Invariant != "" {
		return fmt.Sprintf("%s[%s]: %s: %v", e.Kind, e.ChannelID, e.Invariant, e.Err)
	}
	return fmt.Sprintf("%s[%s]: %v", e.Kind, e.ChannelID, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func newFatal(kind ErrorKind, channelID, invariant string, format string, args ...any) *FatalError {
	return &FatalError{
		Kind:      kind,
		ChannelID: channelID,
		Invariant: invariant,
		Err:       fmt.Errorf(format, args...),
	}
}
