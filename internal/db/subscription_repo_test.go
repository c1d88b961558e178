package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"seatsync/internal/types"
)

var (
	testPeriodStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	testPeriodEnd   = time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	testNow         = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
)

func subscriptionRowValues(id string, seats int, version int64) []any {
	return []any{
		id,
		"org_1",
		"stripe",
		"sub_ext_1",
		"si_1",
		"price_yearly",
		"quantity_based",
		"active",
		seats,
		nil,
		nil,
		testPeriodStart,
		testPeriodEnd,
		int64(1000),
		"pln",
		version,
		testPeriodStart,
		testNow,
		nil,
		nil,
		nil,
	}
}

func testSubscription() *types.Subscription {
	return &types.Subscription{
		ID:                         "sub_1",
		OrganizationID:             "org_1",
		Provider:                   "stripe",
		ExternalSubscriptionID:     "sub_ext_1",
		ExternalSubscriptionItemID: "si_1",
		VariantID:                  "price_yearly",
		BillingType:                types.BillingTypeQuantityBased,
		Status:                     types.SubscriptionStatusActive,
		CurrentSeats:               8,
		PeriodStart:                testPeriodStart,
		PeriodEnd:                  testPeriodEnd,
		PerSeatPrice:               1000,
		Currency:                   "pln",
		Version:                    3,
	}
}

func TestSubscriptionRepository_GetByID_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"sub_1"}).
		Return(valuesRow(subscriptionRowValues("sub_1", 8, 3)...))

	sub, err := repo.GetByID(context.Background(), "sub_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", sub.ID)
	assert.Equal(t, "si_1", sub.ExternalSubscriptionItemID)
	assert.Equal(t, types.BillingTypeQuantityBased, sub.BillingType)
	assert.Equal(t, types.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, 8, sub.CurrentSeats)
	assert.Nil(t, sub.PendingSeats)
	assert.Nil(t, sub.PendingEffectiveAt)
	assert.Equal(t, int64(1000), sub.PerSeatPrice)
	assert.Equal(t, int64(3), sub.Version)
	assert.Equal(t, testNow, sub.UpdatedAt)
	assert.Nil(t, sub.ProviderEventAt)
	assert.Empty(t, sub.SeatChangeClaim)
	db.AssertExpectations(t)
}

func TestSubscriptionRepository_GetByID_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.GetByID(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeNotFoundSubscription, types.CodeOf(err))
}

func TestSubscriptionRepository_GetLiveByOrganization_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"org_1"}).
		Return(&mockRow{scanErr: errors.New("connection reset")})

	_, err := repo.GetLiveByOrganization(context.Background(), "org_1")
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))
}

func TestSubscriptionRepository_GetByExternalID_WithPending(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)

	values := subscriptionRowValues("sub_1", 8, 3)
	values[9] = 5
	values[10] = testPeriodEnd

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"stripe", "sub_ext_1"}).
		Return(valuesRow(values...))

	sub, err := repo.GetByExternalID(context.Background(), "stripe", "sub_ext_1")
	require.NoError(t, err)
	require.NotNil(t, sub.PendingSeats)
	assert.Equal(t, 5, *sub.PendingSeats)
	require.NotNil(t, sub.PendingEffectiveAt)
	assert.Equal(t, testPeriodEnd, *sub.PendingEffectiveAt)
}

func TestSubscriptionRepository_Create_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)

	sub := testSubscription()
	sub.ID = ""
	sub.Version = 0

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(valuesRow(int64(1), testNow, testNow))

	err := repo.Create(context.Background(), sub, testNow)
	require.NoError(t, err)
	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, int64(1), sub.Version)
	assert.Equal(t, testNow, sub.CreatedAt)
	db.AssertExpectations(t)
}

func TestSubscriptionRepository_Create_LiveRowConflict(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)

	pgErr := &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: constraintOneLivePerOrg}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgErr})

	err := repo.Create(context.Background(), testSubscription(), testNow)
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeConflictLiveExists, types.CodeOf(err))
	assert.Equal(t, 409, err.(*types.AppError).HTTPStatus())
}

func TestSubscriptionRepository_Create_DuplicateExternalID(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)

	pgErr := &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: constraintExternalSubID}
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgErr})

	err := repo.Create(context.Background(), testSubscription(), testNow)
	assert.Equal(t, types.ErrCodeConflictConcurrent, types.CodeOf(err))
}

func TestSubscriptionRepository_Create_RejectsHalfPending(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)

	sub := testSubscription()
	seats := 4
	sub.PendingSeats = &seats

	err := repo.Create(context.Background(), sub, testNow)
	assert.Equal(t, types.ErrCodeValidationFailed, types.CodeOf(err))
	db.AssertNotCalled(t, "QueryRow", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubscriptionRepository_CompareAndSwap_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)

	sub := testSubscription()
	sub.CurrentSeats = 10
	later := testNow.Add(time.Minute)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		return len(args) == 17 && args[0] == "sub_1" && args[1] == int64(3) && args[6] == 10
	})).Return(valuesRow(int64(4), later))

	err := repo.CompareAndSwap(context.Background(), sub, 3, later)
	require.NoError(t, err)
	assert.Equal(t, int64(4), sub.Version)
	assert.Equal(t, later, sub.UpdatedAt)
	db.AssertExpectations(t)
}

func TestSubscriptionRepository_CompareAndSwap_WritesWatermarkAndClaim(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)

	sub := testSubscription()
	sub.AdvanceProviderEventAt(testNow)
	sub.SetClaim("claim-1", testNow)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		if len(args) != 17 {
			return false
		}
		eventAt, _ := args[14].(*time.Time)
		claim, _ := args[15].(*string)
		claimedAt, _ := args[16].(*time.Time)
		return eventAt != nil && eventAt.Equal(testNow) &&
			claim != nil && *claim == "claim-1" &&
			claimedAt != nil && claimedAt.Equal(testNow)
	})).Return(valuesRow(int64(4), testNow))

	require.NoError(t, repo.CompareAndSwap(context.Background(), sub, 3, testNow))
	db.AssertExpectations(t)
}

func TestSubscriptionRepository_GetByID_WatermarkAndClaim(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)

	values := subscriptionRowValues("sub_1", 8, 3)
	values[18] = testNow.Add(-time.Minute)
	values[19] = "claim-1"
	values[20] = testNow

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"sub_1"}).
		Return(valuesRow(values...))

	sub, err := repo.GetByID(context.Background(), "sub_1")
	require.NoError(t, err)
	require.NotNil(t, sub.ProviderEventAt)
	assert.Equal(t, testNow.Add(-time.Minute), *sub.ProviderEventAt)
	assert.Equal(t, "claim-1", sub.SeatChangeClaim)
	require.NotNil(t, sub.SeatChangeClaimedAt)
	assert.True(t, sub.ClaimHeld(testNow, time.Minute))
}

func TestSubscriptionRepository_CompareAndSwap_VersionMismatch(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	sub := testSubscription()
	err := repo.CompareAndSwap(context.Background(), sub, 3, testNow)
	require.Error(t, err)
	assert.Equal(t, types.ErrCodeConflictConcurrent, types.CodeOf(err))
	assert.True(t, types.IsRetryable(err))
	assert.Equal(t, int64(3), sub.Version, "version must not change on a lost race")
}

func TestSubscriptionRepository_ListDuePending(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)

	first := subscriptionRowValues("sub_1", 8, 3)
	first[9], first[10] = 10, testNow.Add(-time.Hour)
	second := subscriptionRowValues("sub_2", 4, 1)
	second[9], second[10] = 2, testNow

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), []any{testNow, 50}).
		Return(newMockRows([][]any{first, second}), nil)

	subs, err := repo.ListDuePending(context.Background(), testNow, 50)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "sub_1", subs[0].ID)
	assert.Equal(t, 10, *subs[0].PendingSeats)
	assert.Equal(t, "sub_2", subs[1].ID)
}

func TestSubscriptionRepository_ListDuePending_QueryError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)

	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(nil, errors.New("timeout"))

	_, err := repo.ListDuePending(context.Background(), testNow, 50)
	assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))
}

func TestSubscriptionRepository_ListDuePending_RowsError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewSubscriptionRepository(db)

	rows := newMockRows(nil)
	rows.errVal = errors.New("stream broken")
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(rows, nil)

	_, err := repo.ListDuePending(context.Background(), testNow, 50)
	assert.Equal(t, types.ErrCodeInternalDB, types.CodeOf(err))
	assert.True(t, rows.closed)
}
