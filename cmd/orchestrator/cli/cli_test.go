package cli

import (
	"errors"
	"testing"

	"github.com/dancegit/tmux-orchestrator/internal/orcherr"
)

func TestExitCodeForMapsErrorKinds(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain error", errors.New("boom"), ExitUsage},
		{"configuration", orcherr.New(orcherr.Configuration, "bad flag"), ExitUsage},
		{"lock held", orcherr.New(orcherr.LockHeld, "daemon running"), ExitLockHeld},
		{"not found", orcherr.New(orcherr.NotFound, "no such project"), ExitNotFound},
		{"state conflict", orcherr.New(orcherr.StateConflict, "not FAILED"), ExitStateConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExitCodeFor(tc.err); got != tc.want {
				t.Errorf("ExitCodeFor(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}

func TestParseIDAndConfigRejectsNonInteger(t *testing.T) {
	if _, _, err := parseIDAndConfig("not-a-number"); err == nil {
		t.Fatal("expected error for non-integer id")
	} else if orcherr.KindOf(err) != orcherr.Configuration {
		t.Errorf("want Configuration kind, got %v", orcherr.KindOf(err))
	}
}

func TestRootCommandRegistersAllSubcommands(t *testing.T) {
	root := NewRootCommand()
	want := []string{"enqueue", "list", "reset", "pause", "resume", "recover", "kill-orphans", "daemon"}
	for _, name := range want {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd == nil {
			t.Errorf("expected subcommand %q to be registered", name)
		}
	}
}
