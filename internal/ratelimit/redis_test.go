package ratelimit

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestBucketKey_MinuteGranularity(t *testing.T) {
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	base := time.Date(2024, 3, 10, 12, 5, 10, 0, time.UTC)

	k1 := bucketKey(id, base)
	k2 := bucketKey(id, base.Add(49*time.Second)) // same minute
	k3 := bucketKey(id, base.Add(time.Minute))

	if k1 != k2 {
		t.Errorf("same-minute keys differ: %q vs %q", k1, k2)
	}
	if k1 == k3 {
		t.Error("next-minute key must start a fresh bucket")
	}
	if !strings.HasPrefix(k1, "rl:wh:"+id.String()) {
		t.Errorf("unexpected key shape: %q", k1)
	}
}

func TestBucketKey_PerWebhook(t *testing.T) {
	now := time.Now().UTC()
	if bucketKey(uuid.New(), now) == bucketKey(uuid.New(), now) {
		t.Error("buckets must be scoped per webhook")
	}
}
