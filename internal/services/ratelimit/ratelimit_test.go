package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stoa-app/coach-engine/internal/config"
	"github.com/stoa-app/coach-engine/internal/models"
)

type fakeStore struct {
	counts map[string]int
	trials map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{counts: make(map[string]int), trials: make(map[string]int)}
}

func (f *fakeStore) GetModelUsage(_ context.Context, userID, modelID, day string) (*models.ModelUsage, error) {
	return &models.ModelUsage{
		UserID:            userID,
		ModelID:           modelID,
		MessageCount:      f.counts[userID+":"+modelID+":"+day],
		TrialMessagesUsed: f.trials[userID+":"+modelID],
	}, nil
}

func (f *fakeStore) IncrementModelUsage(_ context.Context, userID, modelID, day string, trial bool) error {
	f.counts[userID+":"+modelID+":"+day]++
	if trial {
		f.trials[userID+":"+modelID]++
	}
	return nil
}

func testService(store Store) *Service {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewService(store, logger)
}

func TestCheckAllowsUnderCap(t *testing.T) {
	store := newFakeStore()
	svc := testService(store)
	model := config.ModelInfo{ID: "coach-standard", DailyLimit: 3}

	res, err := svc.Check(context.Background(), "u1", model, models.AccessFree)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 3, res.MessagesRemaining)
}

func TestCheckAtBoundary(t *testing.T) {
	store := newFakeStore()
	svc := testService(store)
	model := config.ModelInfo{ID: "coach-standard", DailyLimit: 3}
	ctx := context.Background()

	// Two messages already delivered today
	require.NoError(t, svc.RecordUsage(ctx, "u1", model.ID, false))
	require.NoError(t, svc.RecordUsage(ctx, "u1", model.ID, false))

	// Third (last allowed) request
	res, err := svc.Check(ctx, "u1", model, models.AccessFree)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.MessagesRemaining)

	require.NoError(t, svc.RecordUsage(ctx, "u1", model.ID, false))

	// Fourth request is denied
	res, err = svc.Check(ctx, "u1", model, models.AccessFree)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.MessagesRemaining)
	require.NotNil(t, res.ResetTime)
	assert.Equal(t, time.UTC, res.ResetTime.Location())
}

func TestCheckPaidIsUnlimited(t *testing.T) {
	store := newFakeStore()
	svc := testService(store)
	model := config.ModelInfo{ID: "coach-deep", DailyLimit: 1}
	ctx := context.Background()

	require.NoError(t, svc.RecordUsage(ctx, "u1", model.ID, false))
	require.NoError(t, svc.RecordUsage(ctx, "u1", model.ID, false))

	res, err := svc.Check(ctx, "u1", model, models.AccessPaid)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, -1, res.MessagesRemaining)
	assert.Nil(t, res.ResetTime)
}

func TestDailyWindowResetsAtUTCMidnight(t *testing.T) {
	store := newFakeStore()
	svc := testService(store)
	model := config.ModelInfo{ID: "coach-standard", DailyLimit: 1}
	ctx := context.Background()

	day1 := time.Date(2025, 3, 1, 23, 50, 0, 0, time.UTC)
	day2 := time.Date(2025, 3, 2, 0, 10, 0, 0, time.UTC)

	svc.now = func() time.Time { return day1 }
	require.NoError(t, svc.RecordUsage(ctx, "u1", model.ID, false))

	res, err := svc.Check(ctx, "u1", model, models.AccessFree)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC), *res.ResetTime)

	// Twenty minutes later the window has rolled over
	svc.now = func() time.Time { return day2 }
	res, err = svc.Check(ctx, "u1", model, models.AccessFree)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.MessagesRemaining)
}

func TestTrialUsageCountsSeparately(t *testing.T) {
	store := newFakeStore()
	svc := testService(store)
	ctx := context.Background()

	require.NoError(t, svc.RecordUsage(ctx, "u1", "coach-deep", true))
	require.NoError(t, svc.RecordUsage(ctx, "u1", "coach-deep", false))

	day := time.Now().UTC().Format("2006-01-02")
	usage, err := store.GetModelUsage(ctx, "u1", "coach-deep", day)
	require.NoError(t, err)
	assert.Equal(t, 2, usage.MessageCount)
	assert.Equal(t, 1, usage.TrialMessagesUsed)
}
