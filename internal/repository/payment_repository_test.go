package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/game-code-market/internal/model"
)

func newPaymentMock(t *testing.T) (*PaymentRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPaymentRepo(db), mock
}

func TestPaymentTransitionFromOpenStates(t *testing.T) {
	repo, mock := newPaymentMock(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE payments SET payment_status=? WHERE id=? AND payment_status IN (?,?)")).
		WithArgs("succeeded", "p1", "pending", "processing").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.TransitionStatus(context.Background(), "p1",
		[]model.PaymentStatus{model.PaymentPending, model.PaymentProcessing}, model.PaymentSucceeded)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentTransitionAlreadyResolvedConflicts(t *testing.T) {
	repo, mock := newPaymentMock(t)

	mock.ExpectExec("UPDATE payments").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM payments WHERE id=?")).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))

	err := repo.TransitionStatus(context.Background(), "p1",
		[]model.PaymentStatus{model.PaymentPending}, model.PaymentFailed)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestSecondSuccessRejectedByUniqueGuard(t *testing.T) {
	repo, mock := newPaymentMock(t)

	mock.ExpectExec("UPDATE payments").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry for key 'uq_payments_one_success'"})

	err := repo.TransitionStatus(context.Background(), "p2",
		[]model.PaymentStatus{model.PaymentPending}, model.PaymentSucceeded)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestGetBySessionNotFound(t *testing.T) {
	repo, mock := newPaymentMock(t)

	mock.ExpectQuery("FROM payments WHERE session_ref=\\?").
		WithArgs("cs_missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetBySession(context.Background(), "cs_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListStale(t *testing.T) {
	repo, mock := newPaymentMock(t)
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	created := cutoff.Add(-time.Hour)

	mock.ExpectQuery("FROM payments WHERE payment_status IN").
		WithArgs("pending", "processing", cutoff, 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "game_code_id", "buyer_id", "amount_cents", "platform_fee_cents",
			"currency", "session_ref", "payment_status", "refund_ref", "created_at", "updated_at"}).
			AddRow("p1", "l1", "b1", int64(1999), int64(100), "usd", "cs_1", "pending", nil, created, created))

	out, err := repo.ListStale(context.Background(), cutoff, 50)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, int64(1899), out[0].SellerAmountCents())
	assert.True(t, out[0].Open())
}
