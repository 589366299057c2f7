package auth

import (
	"testing"
	"time"

	"github.com/yourusername/agent-relay/internal/storage"
)

func TestRegistryPersistsAcrossReopen(t *testing.T) {
	local, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	r, err := OpenRegistry(local)
	if err != nil {
		t.Fatalf("OpenRegistry returned error: %v", err)
	}
	kept, err := r.Create("  ", "")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if kept.DeviceName != defaultDeviceName || kept.UserAgent != "unknown" {
		t.Fatalf("unexpected defaults: %#v", kept)
	}
	revoked, err := r.Create("phone", "ua")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if ok, err := r.Revoke(revoked.ID); err != nil || !ok {
		t.Fatalf("Revoke = %v, %v", ok, err)
	}

	reopened, err := OpenRegistry(local)
	if err != nil {
		t.Fatalf("OpenRegistry returned error: %v", err)
	}
	list := reopened.List()
	if len(list) != 1 || list[0].ID != kept.ID {
		t.Fatalf("unexpected sessions after reopen: %#v", list)
	}
	if _, ok, _ := reopened.Touch(revoked.ID); ok {
		t.Fatal("revoked session should not be active")
	}
	if ok, _ := reopened.Revoke("missing"); ok {
		t.Fatal("revoking an unknown session should report false")
	}
}

func TestRegistryTouchIsThrottled(t *testing.T) {
	r, err := OpenRegistry(nil)
	if err != nil {
		t.Fatalf("OpenRegistry returned error: %v", err)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	s, err := r.Create("laptop", "ua")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	now = now.Add(30 * time.Second)
	touched, ok, err := r.Touch(s.ID)
	if err != nil || !ok {
		t.Fatalf("Touch = %v, %v", ok, err)
	}
	if !touched.LastSeenAt.Equal(s.LastSeenAt) {
		t.Fatalf("LastSeenAt should not change within a minute: %v", touched.LastSeenAt)
	}

	now = now.Add(time.Minute)
	touched, ok, err = r.Touch(s.ID)
	if err != nil || !ok {
		t.Fatalf("Touch = %v, %v", ok, err)
	}
	if !touched.LastSeenAt.Equal(now) {
		t.Fatalf("LastSeenAt = %v, want %v", touched.LastSeenAt, now)
	}
}

func TestRegistryCapsSessions(t *testing.T) {
	r, err := OpenRegistry(nil)
	if err != nil {
		t.Fatalf("OpenRegistry returned error: %v", err)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	first, err := r.Create("first", "ua")
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	for i := 0; i < maxDeviceSessions; i++ {
		now = now.Add(time.Second)
		if _, err := r.Create("device", "ua"); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
	}
	list := r.List()
	if len(list) != maxDeviceSessions {
		t.Fatalf("len = %d, want %d", len(list), maxDeviceSessions)
	}
	for _, s := range list {
		if s.ID == first.ID {
			t.Fatal("oldest session should have been evicted")
		}
	}
}
