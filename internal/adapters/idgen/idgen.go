// Package idgen provides the production Generator backing C4's idempotency manager,
// grounded on the teacher's use of a UUID-based ID everywhere a new entity identifier
// is minted (sdk/go/client.go, services/orchestrator).
package idgen

import (
	"context"

	"github.com/google/uuid"

	"github.com/orbitcore/orbit/pkg/idempotency"
	"github.com/orbitcore/orbit/pkg/opid"
)

// UUIDGenerator mints OpIds as UUIDv4 strings. It ignores the key's content beyond
// validating it — uniqueness and replay-safety come entirely from the Manager's
// getOrCreate coordination, not from any property of the generated ID itself.
type UUIDGenerator struct{}

var _ idempotency.Generator = UUIDGenerator{}

func (UUIDGenerator) NewOpId(_ context.Context, _ opid.IdempotencyKey) (opid.OpId, error) {
	id := opid.OpId(uuid.NewString())
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}
