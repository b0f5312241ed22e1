// Package orcherr is Orbit's stable error code registry, adapted from the teacher's
// pkg/errors: a closed set of Code values, each with HTTP/retry/kind metadata, plus a
// bounded JSON error envelope for the HTTP facade (cmd/orbitd).
package orcherr

import (
	"encoding/json"
	"sort"
)

// Code is a stable error code. Once published, codes are API-stable.
type Code string

// Meta provides metadata useful for HTTP mapping, retry decisions, and documentation.
type Meta struct {
	HTTPStatus  int    `json:"http_status"`
	Retryable   bool   `json:"retryable"`
	Kind        string `json:"kind"` // client|server|dependency
	Description string `json:"description"`
}

// The codes named in spec.md §7.
const (
	Validation        Code = "orbit.validation"
	AlreadyExists      Code = "orbit.already_exists"
	Conflict           Code = "orbit.conflict"
	StoreUnavailable   Code = "orbit.store_unavailable"
	BusUnavailable     Code = "orbit.bus_unavailable"
	ProtectionRefused  Code = "orbit.protection_refused"
	Timeout            Code = "orbit.timeout"
	UserFail           Code = "orbit.user_fail"
	MaxAttempts        Code = "orbit.max_attempts"
	NotFound           Code = "orbit.not_found"
	Internal           Code = "orbit.internal"
)

var registry = map[Code]Meta{
	Validation:        {HTTPStatus: 400, Retryable: false, Kind: "client", Description: "malformed identifier, command, or outcome"},
	AlreadyExists:     {HTTPStatus: 200, Retryable: false, Kind: "client", Description: "envelope already accepted; treated as a duplicate submit"},
	Conflict:          {HTTPStatus: 409, Retryable: true, Kind: "dependency", Description: "compare-and-set lost a race; recovered by re-read and re-plan"},
	StoreUnavailable:  {HTTPStatus: 503, Retryable: true, Kind: "dependency", Description: "store backend unavailable"},
	BusUnavailable:    {HTTPStatus: 503, Retryable: true, Kind: "dependency", Description: "bus backend unavailable"},
	ProtectionRefused: {HTTPStatus: 429, Retryable: true, Kind: "dependency", Description: "rate limiter, circuit breaker, or bulkhead refused the attempt"},
	Timeout:           {HTTPStatus: 504, Retryable: true, Kind: "dependency", Description: "per-attempt timeout elapsed"},
	UserFail:          {HTTPStatus: 422, Retryable: false, Kind: "client", Description: "action returned a terminal Fail"},
	MaxAttempts:       {HTTPStatus: 409, Retryable: false, Kind: "client", Description: "attempt counter exhausted; forced terminal Fail"},
	NotFound:          {HTTPStatus: 404, Retryable: false, Kind: "client", Description: "unknown OpId"},
	Internal:          {HTTPStatus: 500, Retryable: true, Kind: "server", Description: "internal error"},
}

// MetaFor returns metadata for a code.
func MetaFor(code Code) (Meta, bool) {
	m, ok := registry[code]
	return m, ok
}

// Known reports whether code is registered.
func Known(code Code) bool {
	_, ok := registry[code]
	return ok
}

// HTTPStatusFor maps a code to its HTTP status, defaulting to 500 for unknown codes.
func HTTPStatusFor(code Code) int {
	if m, ok := registry[code]; ok && m.HTTPStatus > 0 {
		return m.HTTPStatus
	}
	return 500
}

// List returns all known codes, sorted for deterministic output.
func List() []Code {
	out := make([]Code, 0, len(registry))
	for c := range registry {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ExportJSON returns stable JSON of all codes and their metadata.
func ExportJSON() []byte {
	type row struct {
		Code Code `json:"code"`
		Meta Meta `json:"meta"`
	}
	codes := List()
	rows := make([]row, 0, len(codes))
	for _, c := range codes {
		rows = append(rows, row{Code: c, Meta: registry[c]})
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return []byte("[]")
	}
	return b
}
