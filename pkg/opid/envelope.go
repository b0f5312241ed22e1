package opid

import "time"

// Envelope is the durable, immutable record of an accepted Command under an OpId
// (spec.md §3). Exactly one Envelope exists per OpId for the lifetime of retention
// (Invariant 1); the Store port enforces first-write-wins.
type Envelope struct {
	OpId       OpId
	Command    Command
	Version    int64
	AcceptedAt time.Time
}

// NewEnvelope constructs an Envelope, validating the OpId and Command.
func NewEnvelope(id OpId, cmd Command, acceptedAt time.Time) (Envelope, error) {
	if err := id.Validate(); err != nil {
		return Envelope{}, err
	}
	if err := cmd.Validate(); err != nil {
		return Envelope{}, err
	}
	return Envelope{
		OpId:       id,
		Command:    cmd,
		Version:    1,
		AcceptedAt: acceptedAt.UTC(),
	}, nil
}
