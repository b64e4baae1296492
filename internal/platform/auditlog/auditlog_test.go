package auditlog

import (
	"context"
	"net"
	"testing"
	"time"
)

func sampleEvent() Event {
	return Event{
		OccurredAt:   time.Unix(1700000000, 0).UTC(),
		Actor:        "alice",
		Action:       "registry.reset",
		ResourceType: "registry",
		ResourceID:   "active_runs",
		RequestID:    "req-123",
		IP:           net.ParseIP("192.0.2.1"),
		UserAgent:    "test-agent",
	}
}

func TestComputeIntegritySHA256_Deterministic(t *testing.T) {
	payloadJSON := []byte(`{"cleared_count":1}`)
	a, err := ComputeIntegritySHA256(sampleEvent(), payloadJSON)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	b, err := ComputeIntegritySHA256(sampleEvent(), payloadJSON)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a != b {
		t.Fatalf("integrity mismatch: %q vs %q", a, b)
	}
}

func TestComputeIntegritySHA256_ChangesOnPayload(t *testing.T) {
	a, _ := ComputeIntegritySHA256(sampleEvent(), []byte(`{"cleared_count":1}`))
	b, _ := ComputeIntegritySHA256(sampleEvent(), []byte(`{"cleared_count":2}`))
	if a == b {
		t.Fatalf("expected integrity to differ")
	}
}

func TestComputeIntegritySHA256_NilIP(t *testing.T) {
	event := sampleEvent()
	event.IP = nil
	if _, err := ComputeIntegritySHA256(event, []byte(`{}`)); err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
}

func TestInsert_ValidatesBeforeQuery(t *testing.T) {
	if _, err := Insert(context.Background(), nil, sampleEvent()); err == nil {
		t.Fatalf("expected error for nil queryer")
	}
}

func TestEventValidate(t *testing.T) {
	event := sampleEvent()
	event.Actor = " "
	if err := event.Validate(); err == nil {
		t.Fatalf("expected error for blank actor")
	}
}

func TestRemoteIP(t *testing.T) {
	if ip := RemoteIP("192.0.2.7:5555"); ip == nil || ip.String() != "192.0.2.7" {
		t.Fatalf("RemoteIP()=%v, want 192.0.2.7", ip)
	}
	if ip := RemoteIP("garbage"); ip != nil {
		t.Fatalf("RemoteIP()=%v, want nil", ip)
	}
}
