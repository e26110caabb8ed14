package model

import (
	"regexp"
	"testing"
)

// crockfordBase32 matches valid ULID strings (26 chars, Crockford Base32 alphabet).
var crockfordBase32 = regexp.MustCompile(`^[0123456789ABCDEFGHJKMNPQRSTVWXYZ]{26}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if !crockfordBase32.MatchString(id) {
		t.Errorf("NewID() = %q, does not match Crockford Base32 ULID format", id)
	}
}

func TestNewIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID() produced duplicate: %s", id)
		}
		seen[id] = true
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusCompleted, false},
		{StatusCancelled, StatusRunning, false},
		{StatusCompleted, StatusCompleted, false},
	}
	for _, tc := range tests {
		if got := ValidTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []string{StatusCompleted, StatusFailed, StatusCancelled} {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = false, want true", s)
		}
	}
	for _, s := range []string{StatusPending, StatusRunning} {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = true, want false", s)
		}
	}
}

func TestTaskSamples(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want int
	}{
		{"absent", map[string]any{}, 1},
		{"nil", map[string]any{ArgNSamples: nil}, 1},
		{"int", map[string]any{ArgNSamples: 3}, 3},
		{"float", map[string]any{ArgNSamples: float64(4)}, 4},
		{"zero", map[string]any{ArgNSamples: 0}, 1},
	}
	for _, tc := range tests {
		task := &Task{Args: tc.args}
		if got := task.Samples(); got != tc.want {
			t.Errorf("%s: Samples() = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestCloneArgsIsIndependent(t *testing.T) {
	task := &Task{Args: map[string]any{ArgSeed: 1}}
	args := task.CloneArgs()
	args[ArgSeed] = 2
	if task.Args[ArgSeed] != 1 {
		t.Errorf("original seed mutated to %v", task.Args[ArgSeed])
	}
}

func TestLoraSlug(t *testing.T) {
	if got := LoraSlug("alice", "cat", 3); got != "alice/cat/v3" {
		t.Errorf("LoraSlug = %q", got)
	}
}
