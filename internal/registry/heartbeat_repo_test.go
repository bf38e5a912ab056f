package registry

import (
	"testing"
	"time"

	"github.com/shaiso/Kiln/internal/domain"
)

func TestCoalesceBoundary(t *testing.T) {
	interval := time.Minute
	base := time.Now().UTC()
	prev := &domain.Heartbeat{Host: "eb3", Time: base}

	cases := []struct {
		name string
		prev *domain.Heartbeat
		at   time.Time
		want bool
	}{
		{"first heartbeat of a host", nil, base, false},
		{"well within the interval", prev, base.Add(10 * time.Second), true},
		{"exactly at the interval", prev, base.Add(interval), true},
		{"just past the interval", prev, base.Add(interval + time.Second), false},
	}
	for _, c := range cases {
		if got := coalesce(c.prev, c.at, interval); got != c.want {
			t.Errorf("%s: coalesce = %v, want %v", c.name, got, c.want)
		}
	}
}
