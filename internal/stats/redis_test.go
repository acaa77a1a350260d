package stats

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestBuildKey_DailyBuckets(t *testing.T) {
	id := uuid.New()
	morning := time.Date(2024, 3, 10, 1, 0, 0, 0, time.UTC)
	evening := time.Date(2024, 3, 10, 23, 59, 0, 0, time.UTC)
	nextDay := time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)

	if buildKey(id, "success", morning) != buildKey(id, "success", evening) {
		t.Error("same day should share a bucket")
	}
	if buildKey(id, "success", evening) == buildKey(id, "success", nextDay) {
		t.Error("different days should use different buckets")
	}
}

func TestBuildKey_SeparatesOutcomes(t *testing.T) {
	id := uuid.New()
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	if buildKey(id, "success", now) == buildKey(id, "failed", now) {
		t.Error("outcomes must not share a counter")
	}
}

func TestBuildKey_SeparatesWebhooks(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	if buildKey(uuid.New(), "success", now) == buildKey(uuid.New(), "success", now) {
		t.Error("webhooks must not share a counter")
	}
}
