package statemachine

import "testing"

func TestValidate_LegalTransitions(t *testing.T) {
	cases := []struct {
		from, to State
	}{
		{Pending, InProgress},
		{InProgress, Completed},
		{InProgress, Failed},
	}
	for _, c := range cases {
		if err := Validate(c.from, c.to); err != nil {
			t.Errorf("Validate(%s, %s): unexpected error: %v", c.from, c.to, err)
		}
	}
}

func TestValidate_TerminalAsSourceAlwaysRejected(t *testing.T) {
	for _, from := range []State{Completed, Failed} {
		for _, to := range []State{Pending, InProgress, Completed, Failed} {
			if err := Validate(from, to); err == nil {
				t.Errorf("Validate(%s, %s): expected error, got nil", from, to)
			}
		}
	}
}

func TestValidate_IllegalTransitions(t *testing.T) {
	cases := []struct {
		from, to State
	}{
		{Pending, Completed},
		{Pending, Failed},
		{Pending, Pending},
		{InProgress, InProgress},
		{InProgress, Pending},
	}
	for _, c := range cases {
		if err := Validate(c.from, c.to); err == nil {
			t.Errorf("Validate(%s, %s): expected error, got nil", c.from, c.to)
		}
	}
}

func TestValidate_ZeroValueRejected(t *testing.T) {
	if err := Validate(Unknown, Pending); err == nil {
		t.Error("expected error for zero-value from state")
	}
	if err := Validate(Pending, Unknown); err == nil {
		t.Error("expected error for zero-value to state")
	}
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []State{Completed, Failed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{Pending, InProgress} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
