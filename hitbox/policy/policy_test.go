package policy

import (
	"testing"

	"github.com/eduardmaghakyan/hitbox/hitbox/freshness"
)

func TestDecideMissAlwaysFetches(t *testing.T) {
	cfg := Config{Enabled: true, StalePolicy: Return}
	if got := Decide(cfg, freshness.Miss); got != FetchAndStore {
		t.Errorf("Miss -> %v, want FetchAndStore", got)
	}
}

func TestDecideExpiredAlwaysFetches(t *testing.T) {
	cfg := Config{Enabled: true, StalePolicy: OffloadRevalidate}
	if got := Decide(cfg, freshness.Expired); got != FetchAndStore {
		t.Errorf("Expired -> %v, want FetchAndStore", got)
	}
}

func TestDecideActualAlwaysReturnsCached(t *testing.T) {
	for _, sp := range []StalePolicy{Return, Revalidate, OffloadRevalidate} {
		cfg := Config{Enabled: true, StalePolicy: sp}
		if got := Decide(cfg, freshness.Actual); got != ReturnCached {
			t.Errorf("Actual with StalePolicy=%v -> %v, want ReturnCached", sp, got)
		}
	}
}

func TestDecideStaleFollowsStalePolicy(t *testing.T) {
	cases := []struct {
		sp   StalePolicy
		want Action
	}{
		{Return, ReturnCached},
		{Revalidate, RevalidateInline},
		{OffloadRevalidate, ReturnAndOffloadRevalidate},
	}
	for _, tc := range cases {
		cfg := Config{Enabled: true, StalePolicy: tc.sp}
		if got := Decide(cfg, freshness.Stale); got != tc.want {
			t.Errorf("Stale with StalePolicy=%v -> %v, want %v", tc.sp, got, tc.want)
		}
	}
}

func TestDisabledConfigHasNoConcurrency(t *testing.T) {
	cfg := Disabled()
	if cfg.Enabled {
		t.Errorf("Disabled() must have Enabled=false")
	}
	if cfg.Concurrency != 0 {
		t.Errorf("Disabled() must not set a concurrency bound")
	}
}
