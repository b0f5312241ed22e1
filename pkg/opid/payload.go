package opid

import "fmt"

// MaxPayloadBytes is the recommended upper bound on Payload size (spec.md §3: "~1 MiB
// recommended"). The core never inspects payload content and treats it as opaque.
const MaxPayloadBytes = 1 << 20

// Payload is an opaque byte sequence. It may be empty, but an empty Payload is a valid,
// present value — it is never treated as "absent".
type Payload []byte

// Validate enforces the recommended size bound. Adapters MAY relax this per deployment.
func (p Payload) Validate() error {
	if len(p) > MaxPayloadBytes {
		return fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalid, MaxPayloadBytes)
	}
	return nil
}

// Command describes a single business intent submitted by a caller.
type Command struct {
	Domain    string
	EventType string
	BizKey    string
	Payload   Payload
	IdemKey   string
}

// Key extracts the IdempotencyKey this Command collapses to.
func (c Command) Key() IdempotencyKey {
	return IdempotencyKey{
		Domain:    c.Domain,
		EventType: c.EventType,
		BizKey:    c.BizKey,
		IdemKey:   c.IdemKey,
	}
}

// Validate checks the Command's own fields and its derived key.
func (c Command) Validate() error {
	if err := c.Key().Validate(); err != nil {
		return err
	}
	return c.Payload.Validate()
}
