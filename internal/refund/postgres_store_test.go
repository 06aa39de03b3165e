package refund

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ridewallet/internal/apperr"
)

func refundRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "trip_id", "rider_id", "driver_id", "amount", "currency", "type", "status",
		"reason", "destination", "payment_reference", "external_reference",
		"created_by_role", "created_by_user_id", "approved_by_user_id",
		"processed_by_user_id", "rejection_reason", "linked_dispute_id",
		"created_at", "updated_at",
	})
}

func refundRow(status Status) *sqlmock.Rows {
	now := time.Now().UTC()
	return refundRows().AddRow(
		"rf_1", "trip-1", "rider-1", "", "20.000000", "USD", "partial", string(status),
		"late", "wallet", "", "",
		"support", "sup-1", "",
		"", "", "",
		now, now,
	)
}

func TestPostgresStore_Approve(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM refunds WHERE id = $1")).
		WithArgs("rf_1").
		WillReturnRows(refundRow(StatusPending))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE refunds SET")).
		WithArgs("approved", "fin-l", nil, nil, nil, "rf_1", "pending").
		WillReturnRows(refundRow(StatusApproved))

	r, err := NewPostgresStore(db).Transition(context.Background(), "rf_1", StatusPending, StatusApproved, func(r *Refund) {
		r.ApprovedByUserID = "fin-l"
	})
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, r.Status)
	assert.Equal(t, TypePartial, r.Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ConcurrentApproveLoses(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM refunds WHERE id = $1")).
		WillReturnRows(refundRow(StatusPending))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE refunds SET")).
		WillReturnRows(refundRows())

	_, err = NewPostgresStore(db).Transition(context.Background(), "rf_1", StatusPending, StatusApproved, nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestPostgresStore_ListByTrip(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("WHERE trip_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2")).
		WithArgs("trip-1", 10).
		WillReturnRows(refundRow(StatusPending))

	refunds, err := NewPostgresStore(db).List(context.Background(), Filter{TripID: "trip-1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, refunds, 1)
	assert.Equal(t, "rf_1", refunds[0].ID)
}
