package prof

import (
	"context"
	"testing"

	"github.com/keithlinneman/linnemanlabs-mods/internal/log"
)

func TestStart_Disabled(t *testing.T) {
	var states []bool
	stop, err := Start(context.Background(), Options{
		ServerAddress: "http://ignored:4040",
		OnActive:      func(b bool) { states = append(states, b) },
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stop()
	stop()
	if len(states) != 1 || states[0] {
		t.Fatalf("active states = %v, want [false]", states)
	}
}

func TestStart_EmptyServerAddress(t *testing.T) {
	var active *bool
	ctx := log.WithContext(context.Background(), log.Nop())
	stop, err := Start(ctx, Options{
		Enabled:  true,
		AppName:  "linnemanlabs-mods",
		OnActive: func(b bool) { active = &b },
	})
	if err == nil {
		t.Fatal("expected error for empty server address")
	}
	if stop == nil {
		t.Fatal("stop must be non-nil on error")
	}
	stop()
	if active == nil || *active {
		t.Fatal("profiler should be reported inactive")
	}
}

func TestStart_NilOnActive(t *testing.T) {
	stop, _ := Start(context.Background(), Options{Enabled: true})
	stop()
}
