package access

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
	prefs        map[string]*models.UserPreferences
	entitlements map[string]*models.Entitlement
	usage        map[string]*models.ModelUsage
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		prefs:        make(map[string]*models.UserPreferences),
		entitlements: make(map[string]*models.Entitlement),
		usage:        make(map[string]*models.ModelUsage),
	}
}

func (f *fakeStore) GetUserPreferences(_ context.Context, userID string) (*models.UserPreferences, error) {
	return f.prefs[userID], nil
}

func (f *fakeStore) GetEntitlement(_ context.Context, userID, modelID string) (*models.Entitlement, error) {
	return f.entitlements[userID+":"+modelID], nil
}

func (f *fakeStore) GetModelUsage(_ context.Context, userID, modelID, _ string) (*models.ModelUsage, error) {
	if u, ok := f.usage[userID+":"+modelID]; ok {
		return u, nil
	}
	return &models.ModelUsage{UserID: userID, ModelID: modelID}, nil
}

func testCatalog() *Catalog {
	return NewCatalog(config.ModelsConfig{
		Default: "coach-standard",
		Catalog: []config.ModelInfo{
			{ID: "coach-standard", Name: "gpt-4o-mini", Provider: "openai", Tier: "free", DailyLimit: 30},
			{ID: "coach-deep", Name: "claude-sonnet-4-5", Provider: "anthropic", Tier: "premium", TrialMessages: 10, TrialWindowDays: 7},
			{ID: "coach-retired", Name: "old", Provider: "openai", Tier: "free", Disabled: true},
		},
	})
}

func testService(store Store) *Service {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewService(testCatalog(), store, logger)
}

func TestResolveExplicitRequestWins(t *testing.T) {
	store := newFakeStore()
	store.prefs["u1"] = &models.UserPreferences{UserID: "u1", DefaultModel: "coach-standard"}
	store.entitlements["u1:coach-deep"] = &models.Entitlement{UserID: "u1", ModelID: "coach-deep", Active: true}
	svc := testService(store)

	res, err := svc.Resolve(context.Background(), "u1", "coach-deep", "marcus")
	require.NoError(t, err)
	assert.Equal(t, "coach-deep", res.Model.ID)
	assert.Equal(t, models.AccessPaid, res.Access)
}

func TestResolveUnknownExplicitModel(t *testing.T) {
	svc := testService(newFakeStore())

	_, err := svc.Resolve(context.Background(), "u1", "no-such-model", "marcus")
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestResolveDisabledExplicitModel(t *testing.T) {
	svc := testService(newFakeStore())

	_, err := svc.Resolve(context.Background(), "u1", "coach-retired", "marcus")
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestResolvePersonaOverrideBeatsUserDefault(t *testing.T) {
	store := newFakeStore()
	store.prefs["u1"] = &models.UserPreferences{
		UserID:           "u1",
		DefaultModel:     "coach-standard",
		PersonaOverrides: map[string]string{"seneca": "coach-deep"},
	}
	store.entitlements["u1:coach-deep"] = &models.Entitlement{UserID: "u1", ModelID: "coach-deep", Active: true}
	svc := testService(store)

	res, err := svc.Resolve(context.Background(), "u1", "", "seneca")
	require.NoError(t, err)
	assert.Equal(t, "coach-deep", res.Model.ID)

	res, err = svc.Resolve(context.Background(), "u1", "", "marcus")
	require.NoError(t, err)
	assert.Equal(t, "coach-standard", res.Model.ID)
}

func TestResolveStalePreferenceFallsThrough(t *testing.T) {
	store := newFakeStore()
	store.prefs["u1"] = &models.UserPreferences{UserID: "u1", DefaultModel: "coach-retired"}
	svc := testService(store)

	res, err := svc.Resolve(context.Background(), "u1", "", "marcus")
	require.NoError(t, err)
	assert.Equal(t, "coach-standard", res.Model.ID)
}

func TestResolveSystemDefault(t *testing.T) {
	svc := testService(newFakeStore())

	res, err := svc.Resolve(context.Background(), "u1", "", "marcus")
	require.NoError(t, err)
	assert.Equal(t, "coach-standard", res.Model.ID)
	assert.Equal(t, models.AccessFree, res.Access)
}

func TestResolveExpiredEntitlementFallsToTrial(t *testing.T) {
	store := newFakeStore()
	past := time.Now().UTC().Add(-time.Hour)
	store.entitlements["u1:coach-deep"] = &models.Entitlement{
		UserID: "u1", ModelID: "coach-deep", Active: true, ExpiresAt: &past,
	}
	svc := testService(store)

	res, err := svc.Resolve(context.Background(), "u1", "coach-deep", "marcus")
	require.NoError(t, err)
	assert.Equal(t, models.AccessTrial, res.Access)
	assert.Equal(t, 10, res.TrialRemaining)
}

func TestResolveTrialExhausted(t *testing.T) {
	store := newFakeStore()
	store.usage["u1:coach-deep"] = &models.ModelUsage{
		UserID: "u1", ModelID: "coach-deep",
		TrialMessagesUsed: 10,
		FirstUsedAt:       time.Now().UTC().Add(-24 * time.Hour),
	}
	svc := testService(store)

	_, err := svc.Resolve(context.Background(), "u1", "coach-deep", "marcus")
	assert.ErrorIs(t, err, ErrNoAccess)
}

func TestResolveTrialWindowExpired(t *testing.T) {
	store := newFakeStore()
	store.usage["u1:coach-deep"] = &models.ModelUsage{
		UserID: "u1", ModelID: "coach-deep",
		TrialMessagesUsed: 2,
		FirstUsedAt:       time.Now().UTC().AddDate(0, 0, -8),
	}
	svc := testService(store)

	_, err := svc.Resolve(context.Background(), "u1", "coach-deep", "marcus")
	assert.ErrorIs(t, err, ErrNoAccess)
}

func TestResolveTrialRemaining(t *testing.T) {
	store := newFakeStore()
	store.usage["u1:coach-deep"] = &models.ModelUsage{
		UserID: "u1", ModelID: "coach-deep",
		TrialMessagesUsed: 4,
		FirstUsedAt:       time.Now().UTC().Add(-time.Hour),
	}
	svc := testService(store)

	res, err := svc.Resolve(context.Background(), "u1", "coach-deep", "marcus")
	require.NoError(t, err)
	assert.Equal(t, models.AccessTrial, res.Access)
	assert.Equal(t, 6, res.TrialRemaining)
}
