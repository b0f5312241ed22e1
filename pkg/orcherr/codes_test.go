package orcherr

import "testing"

func TestHTTPStatusFor_KnownAndUnknown(t *testing.T) {
	if got := HTTPStatusFor(Timeout); got != 504 {
		t.Fatalf("expected 504 for Timeout, got %d", got)
	}
	if got := HTTPStatusFor(Code("orbit.nonexistent")); got != 500 {
		t.Fatalf("expected 500 fallback for an unknown code, got %d", got)
	}
}

func TestList_IsSortedAndComplete(t *testing.T) {
	codes := List()
	if len(codes) != len(registry) {
		t.Fatalf("expected List to enumerate every registered code, got %d of %d", len(codes), len(registry))
	}
	for i := 1; i < len(codes); i++ {
		if codes[i-1] >= codes[i] {
			t.Fatalf("expected sorted codes, got %q before %q", codes[i-1], codes[i])
		}
	}
}

func TestNewEnvelope_UnknownCodeFallsBackToInternal(t *testing.T) {
	env := NewEnvelope(Code("bogus"), "boom", "op-1", "req-1", nil)
	if env.Error.Code != Internal {
		t.Fatalf("expected fallback to Internal, got %s", env.Error.Code)
	}
}

func TestNewEnvelope_DetailsAreSorted(t *testing.T) {
	env := NewEnvelope(Validation, "bad input", "op-1", "req-1", map[string]any{
		"z": "last",
		"a": "first",
	})
	if len(env.Error.Details) != 2 {
		t.Fatalf("expected 2 details, got %d", len(env.Error.Details))
	}
	if env.Error.Details[0].K != "a" || env.Error.Details[1].K != "z" {
		t.Fatalf("expected details sorted by key, got %+v", env.Error.Details)
	}
}

func TestNewEnvelope_SanitizesControlCharacters(t *testing.T) {
	env := NewEnvelope(Internal, "bad\x00message\x7f", "", "", nil)
	for _, r := range env.Error.Message {
		if r < 0x20 || r == 0x7f {
			t.Fatalf("expected control characters stripped, got %q", env.Error.Message)
		}
	}
}
