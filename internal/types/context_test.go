package types

import (
	"context"
	"testing"
	"time"
)

func TestWithActor_GetActor(t *testing.T) {
	actor := Actor{
		ID:             "key-789",
		Type:           ActorTypeAPIKey,
		OrganizationID: "org-111",
		IsTestMode:     true,
		Name:           "admin_console",
	}
	ctx := WithActor(context.Background(), actor)

	got, ok := GetActor(ctx)
	if !ok {
		t.Fatal("expected ok to be true")
	}
	if got != actor {
		t.Errorf("GetActor() = %+v, want %+v", got, actor)
	}

	if _, ok := GetActor(context.Background()); ok {
		t.Error("expected no actor on empty context")
	}
}

func TestGetOrgID(t *testing.T) {
	t.Run("actor with organization", func(t *testing.T) {
		ctx := WithActor(context.Background(), Actor{ID: "k1", OrganizationID: "org-1"})
		orgID, ok := GetOrgID(ctx)
		if !ok || orgID != "org-1" {
			t.Errorf("GetOrgID() = (%q, %v), want (org-1, true)", orgID, ok)
		}
	})

	t.Run("cron actor without organization", func(t *testing.T) {
		ctx := WithActor(context.Background(), Actor{ID: "cron", Type: ActorTypeCron})
		if _, ok := GetOrgID(ctx); ok {
			t.Error("expected false for actor without organization")
		}
	})

	t.Run("no actor", func(t *testing.T) {
		if _, ok := GetOrgID(context.Background()); ok {
			t.Error("expected false without actor")
		}
	})
}

func TestRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	if got := GetRequestID(ctx); got != "req-1" {
		t.Errorf("GetRequestID() = %q, want req-1", got)
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() on empty context = %q, want empty", got)
	}
}

func TestIsTestKey(t *testing.T) {
	if !IsTestKey("sk_test_abc") {
		t.Error("sk_test_ prefix should be a test key")
	}
	if IsTestKey("sk_live_abc") {
		t.Error("sk_live_ prefix should not be a test key")
	}
}

func TestFixedClock(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var c Clock = FixedClock{T: at}
	if !c.Now().Equal(at) {
		t.Errorf("Now() = %v, want %v", c.Now(), at)
	}
	if (RealClock{}).Now().Location() != time.UTC {
		t.Error("RealClock should return UTC")
	}
}
