package prompts

import (
	"errors"
	"testing"
	"time"
)

func TestMembershipCacheEmptyBeforeRefresh(t *testing.T) {
	c := NewMembershipCache(time.Hour, func() (map[string][]string, error) {
		return map[string][]string{"u1": {"g1"}}, nil
	})
	if got := c.GroupsFor("u1"); got != nil {
		t.Fatalf("expected nil before any refresh, got %v", got)
	}
}

func TestMembershipCacheServesAfterRefresh(t *testing.T) {
	c := NewMembershipCache(time.Hour, func() (map[string][]string, error) {
		return map[string][]string{"u1": {"g1", "g2"}}, nil
	})
	if err := c.Refresh(); err != nil {
		t.Fatal(err)
	}
	got := c.GroupsFor("u1")
	if len(got) != 2 {
		t.Fatalf("got %v", got)
	}
}

func TestMembershipCacheExpiresAfterMaxAge(t *testing.T) {
	c := NewMembershipCache(time.Millisecond, func() (map[string][]string, error) {
		return map[string][]string{"u1": {"g1"}}, nil
	})
	if err := c.Refresh(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if got := c.GroupsFor("u1"); got != nil {
		t.Fatalf("expected stale cache to report empty, got %v", got)
	}
}

func TestMembershipCacheRefreshErrorLeavesCacheUntouched(t *testing.T) {
	calls := 0
	c := NewMembershipCache(time.Hour, func() (map[string][]string, error) {
		calls++
		if calls == 1 {
			return map[string][]string{"u1": {"g1"}}, nil
		}
		return nil, errors.New("transport unavailable")
	})
	if err := c.Refresh(); err != nil {
		t.Fatal(err)
	}
	if err := c.Refresh(); err == nil {
		t.Fatal("expected second refresh to propagate the fetch error")
	}
	if got := c.GroupsFor("u1"); len(got) != 1 {
		t.Fatalf("expected cache unchanged after failed refresh, got %v", got)
	}
}
