package auditlog

import (
	"context"
	"net"
)

// RegistryReset describes an administrative clear of the active-run registry.
type RegistryReset struct {
	Actor       string
	RequestID   string
	IP          net.IP
	UserAgent   string
	ClearedRuns []string
}

func InsertRegistryReset(ctx context.Context, q QueryRower, reset RegistryReset) (int64, error) {
	cleared := reset.ClearedRuns
	if cleared == nil {
		cleared = []string{}
	}
	return Insert(ctx, q, Event{
		Actor:        reset.Actor,
		Action:       "registry.reset",
		ResourceType: "registry",
		ResourceID:   "active_runs",
		RequestID:    reset.RequestID,
		IP:           reset.IP,
		UserAgent:    reset.UserAgent,
		Payload: map[string]any{
			"cleared_runs":  cleared,
			"cleared_count": len(cleared),
		},
	})
}
