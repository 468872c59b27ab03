package recovery

import (
	"testing"
	"time"

	"github.com/zhubert/agentmux/proc"
)

func TestPolicy_Delay(t *testing.T) {
	p := Policy{Base: time.Second, Max: 16 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 16 * time.Second}, // capped
		{20, 16 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPolicy_DelayDefaults(t *testing.T) {
	var p Policy
	if got := p.Delay(0); got != DefaultBaseDelay {
		t.Errorf("Delay(0) = %v, want %v", got, DefaultBaseDelay)
	}
	if got := p.Delay(100); got != DefaultMaxDelay {
		t.Errorf("Delay(100) = %v, want %v", got, DefaultMaxDelay)
	}
}

func TestPolicy_DecideCleanExitIsFatal(t *testing.T) {
	p := Policy{Base: time.Second, Max: 16 * time.Second}

	d := p.Decide(proc.ExitStatus{Code: 0}, Budget{Used: 0, Cap: 3})
	if d.Recoverable {
		t.Error("clean exit must not be recoverable")
	}
	if d.Reason != ReasonNormalExit {
		t.Errorf("Reason = %v, want ReasonNormalExit", d.Reason)
	}
}

func TestPolicy_DecideCrashRecoverableWithinBudget(t *testing.T) {
	p := Policy{Base: time.Second, Max: 16 * time.Second}

	for used, wantDelay := range map[int]time.Duration{0: time.Second, 1: 2 * time.Second, 2: 4 * time.Second} {
		d := p.Decide(proc.ExitStatus{Code: 1}, Budget{Used: used, Cap: 3})
		if !d.Recoverable {
			t.Fatalf("used=%d: crash within budget should be recoverable", used)
		}
		if d.Delay != wantDelay {
			t.Errorf("used=%d: Delay = %v, want %v", used, d.Delay, wantDelay)
		}
	}
}

func TestPolicy_DecideSignalKillRecoverable(t *testing.T) {
	p := Policy{Base: time.Second, Max: 16 * time.Second}

	d := p.Decide(proc.ExitStatus{Code: -1, Signaled: true}, Budget{Used: 0, Cap: 3})
	if !d.Recoverable {
		t.Error("signal-killed exit within budget should be recoverable")
	}
}

func TestPolicy_DecideExhausted(t *testing.T) {
	p := Policy{Base: time.Second, Max: 16 * time.Second}

	d := p.Decide(proc.ExitStatus{Code: 1}, Budget{Used: 3, Cap: 3})
	if d.Recoverable {
		t.Error("exhausted budget must not be recoverable")
	}
	if d.Reason != ReasonRestartsExhausted {
		t.Errorf("Reason = %v, want ReasonRestartsExhausted", d.Reason)
	}
}

func TestPolicy_NextConsumesLikeACrash(t *testing.T) {
	p := Policy{Base: time.Second, Max: 16 * time.Second}

	d := p.Next(Budget{Used: 1, Cap: 3})
	if !d.Recoverable || d.Delay != 2*time.Second {
		t.Errorf("Next = %+v, want recoverable with 2s delay", d)
	}

	d = p.Next(Budget{Used: 3, Cap: 3})
	if d.Recoverable || d.Reason != ReasonRestartsExhausted {
		t.Errorf("Next = %+v, want RestartsExhausted", d)
	}
}

func TestBudget_Exhausted(t *testing.T) {
	if (Budget{Used: 2, Cap: 3}).Exhausted() {
		t.Error("budget with headroom should not be exhausted")
	}
	if !(Budget{Used: 3, Cap: 3}).Exhausted() {
		t.Error("used == cap should be exhausted")
	}
}

func TestReason_String(t *testing.T) {
	reasons := map[Reason]string{
		ReasonNone:              "none",
		ReasonNormalExit:        "normal_exit",
		ReasonRestartsExhausted: "restarts_exhausted",
	}
	for r, want := range reasons {
		if r.String() != want {
			t.Errorf("%d.String() = %q, want %q", r, r.String(), want)
		}
	}
}
