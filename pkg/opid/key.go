package opid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	keyVersion = "v1"

	maxEventTypeLen = 50
	maxBizKeyLen    = 100
)

// IdempotencyKey is the quadruple (Domain, EventType, BizKey, IdemKey) that the core
// uses as the *only* input to decide "same request?" (spec.md §3). Equality is
// structural: two keys with identical fields are the same request.
type IdempotencyKey struct {
	Domain    string
	EventType string
	BizKey    string
	IdemKey   string
}

// Validate enforces the field bounds from spec.md §3:
//   - EventType is uppercase/underscore, <=50 chars.
//   - BizKey <=100 chars.
//   - Domain and IdemKey are non-empty.
func (k IdempotencyKey) Validate() error {
	if strings.TrimSpace(k.Domain) == "" {
		return fmt.Errorf("%w: domain is required", ErrInvalid)
	}
	if strings.TrimSpace(k.IdemKey) == "" {
		return fmt.Errorf("%w: idem_key is required", ErrInvalid)
	}
	if k.EventType == "" || len(k.EventType) > maxEventTypeLen {
		return fmt.Errorf("%w: event_type must be 1-%d chars", ErrInvalid, maxEventTypeLen)
	}
	for _, r := range k.EventType {
		if !(r >= 'A' && r <= 'Z') && r != '_' {
			return fmt.Errorf("%w: event_type must be uppercase/underscore", ErrInvalid)
		}
	}
	if len(k.BizKey) > maxBizKeyLen {
		return fmt.Errorf("%w: biz_key exceeds %d chars", ErrInvalid, maxBizKeyLen)
	}
	return nil
}

// Canonical returns a deterministic string encoding of the key, suitable for use as a
// unique index by Store/IdempotencyManager adapters:
//
//	v1:<domain>:<eventType>:<bizKey>:<sha256(idemKey)>
//
// The IdemKey itself is hashed rather than embedded verbatim so canonical keys have a
// bounded, predictable length regardless of what a caller passes as IdemKey.
func (k IdempotencyKey) Canonical() string {
	sum := sha256.Sum256([]byte(k.IdemKey))
	return fmt.Sprintf("%s:%s:%s:%s:%s",
		keyVersion,
		strings.ToLower(strings.TrimSpace(k.Domain)),
		strings.ToUpper(strings.TrimSpace(k.EventType)),
		k.BizKey,
		hex.EncodeToString(sum[:]),
	)
}

func (k IdempotencyKey) String() string { return k.Canonical() }
