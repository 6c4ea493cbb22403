package agent

import (
	"strings"
	"testing"

	"github.com/jholhewres/replyclaw/pkg/replyclaw/channels"
)

func newScheduleResponder(mutate func(*Config)) (*Config, *Responder) {
	cfg := DefaultConfig()
	cfg.Reply.ResponseDelaySeconds = 0
	if mutate != nil {
		mutate(cfg)
	}
	r := NewResponder(cfg, channels.NewManager(testLogger()), testLogger())
	return cfg, r
}

func TestNewScheduleNoRules(t *testing.T) {
	t.Parallel()

	cfg, r := newScheduleResponder(nil)
	sched, err := NewSchedule(cfg, r, testLogger())
	if err != nil {
		t.Fatalf("NewSchedule: %v", err)
	}
	if sched != nil {
		t.Error("expected nil schedule when no rules are configured")
	}
}

func TestNewScheduleInvalidRule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name: "bad enable rule",
			mutate: func(c *Config) {
				c.Schedule.Enable = []string{"not a cron spec"}
			},
			wantErr: "invalid enable rule",
		},
		{
			name: "bad disable rule",
			mutate: func(c *Config) {
				c.Schedule.Enable = []string{"0 18 * * 1-5"}
				c.Schedule.Disable = []string{"61 * * * *"}
			},
			wantErr: "invalid disable rule",
		},
		{
			name: "bad timezone",
			mutate: func(c *Config) {
				c.Schedule.Enable = []string{"0 18 * * 1-5"}
				c.Timezone = "Mars/Olympus_Mons"
			},
			wantErr: "loading timezone",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg, r := newScheduleResponder(tt.mutate)
			_, err := NewSchedule(cfg, r, testLogger())
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestNewScheduleEntryCount(t *testing.T) {
	t.Parallel()

	cfg, r := newScheduleResponder(func(c *Config) {
		c.Schedule.Enable = []string{"0 18 * * 1-5", "0 9 * * 6,0"}
		c.Schedule.Disable = []string{"0 8 * * 1-5"}
		c.Timezone = "America/Sao_Paulo"
	})

	sched, err := NewSchedule(cfg, r, testLogger())
	if err != nil {
		t.Fatalf("NewSchedule: %v", err)
	}
	if got := len(sched.cron.Entries()); got != 3 {
		t.Errorf("entries = %d, want 3", got)
	}
	if got := sched.cron.Location().String(); got != "America/Sao_Paulo" {
		t.Errorf("location = %q, want America/Sao_Paulo", got)
	}
}

// Rules are registered enable-first, so firing the entries directly lets us
// check the wiring without waiting on the clock.
func TestScheduleRulesToggleAutoReply(t *testing.T) {
	t.Parallel()

	cfg, r := newScheduleResponder(func(c *Config) {
		c.Enabled = false
		c.Schedule.Enable = []string{"0 18 * * *"}
		c.Schedule.Disable = []string{"0 8 * * *"}
	})

	sched, err := NewSchedule(cfg, r, testLogger())
	if err != nil {
		t.Fatalf("NewSchedule: %v", err)
	}

	entries := sched.cron.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}

	if r.Enabled() {
		t.Fatal("responder should start disabled")
	}

	entries[0].Job.Run()
	if !r.Enabled() {
		t.Error("enable rule did not resume auto-reply")
	}

	entries[1].Job.Run()
	if r.Enabled() {
		t.Error("disable rule did not pause auto-reply")
	}
}

func TestScheduleStartStop(t *testing.T) {
	t.Parallel()

	cfg, r := newScheduleResponder(func(c *Config) {
		c.Schedule.Disable = []string{"0 8 * * *"}
	})

	sched, err := NewSchedule(cfg, r, testLogger())
	if err != nil {
		t.Fatalf("NewSchedule: %v", err)
	}

	sched.Start()
	sched.Stop()
}
