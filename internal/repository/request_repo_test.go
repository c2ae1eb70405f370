package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"ictaccess/internal/model"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	updateRequestSQL = `UPDATE "access_requests" SET .* WHERE .*id = \$\d+ AND version = \$\d+`
	updateSlotSQL    = `UPDATE "approval_stages" SET .* WHERE .*id = \$\d+ AND status = \$\d+`
)

func decidedRequest() (*model.AccessRequest, *model.ApprovalStage) {
	now := time.Now()
	actor := uuid.New()
	req := &model.AccessRequest{
		ID:            uuid.New(),
		OverallStatus: model.RequestStatusInReview,
		CurrentStage:  model.StageDivisionalDirector,
	}
	slot := &model.ApprovalStage{
		ID:        uuid.New(),
		RequestID: req.ID,
		Stage:     model.StageHOD,
		Status:    model.StageStatusApproved,
		ActorID:   &actor,
		DecidedAt: &now,
	}
	return req, slot
}

func TestUpdateStateBumpsVersion(t *testing.T) {
	// Arrange
	db, mock := newMockDB(t)
	repo := NewRequestRepository(db)
	req, slot := decidedRequest()
	mock.ExpectExec(updateRequestSQL).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(updateSlotSQL).WillReturnResult(sqlmock.NewResult(0, 1))

	// Act
	err := repo.UpdateState(context.Background(), req, 3, slot)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 4, req.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStateVersionConflictOnRequestRow(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRequestRepository(db)
	req, slot := decidedRequest()
	mock.ExpectExec(updateRequestSQL).WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateState(context.Background(), req, 3, slot)

	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Zero(t, req.Version, "version untouched on conflict")
	// the slot update must not be issued once the request row lost the race
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStateConflictOnDecidedSlot(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRequestRepository(db)
	req, slot := decidedRequest()
	mock.ExpectExec(updateRequestSQL).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(updateSlotSQL).WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateState(context.Background(), req, 3, slot)

	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatePropagatesDriverError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRequestRepository(db)
	req, _ := decidedRequest()
	mock.ExpectExec(updateRequestSQL).WillReturnError(errors.New("connection reset"))

	err := repo.UpdateState(context.Background(), req, 1)

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByIDForUpdateLocksInsideTransaction(t *testing.T) {
	// Arrange
	db, mock := newMockDB(t)
	repo := NewRequestRepository(db)
	tx := NewTransactionManager(db)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "access_requests" WHERE id = \$1 .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "type", "overall_status", "current_stage", "version"}).
			AddRow(id.String(), model.RequestTypeModuleAccess, model.RequestStatusPending, model.StageHOD, 2))
	mock.ExpectQuery(`SELECT \* FROM "approval_stages" WHERE request_id = \$1 ORDER BY position ASC`).
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "request_id", "stage", "position", "status"}).
			AddRow(uuid.NewString(), id.String(), model.StageHOD, 1, model.StageStatusPending).
			AddRow(uuid.NewString(), id.String(), model.StageDivisionalDirector, 2, model.StageStatusPending))
	mock.ExpectCommit()

	// Act
	var got *model.AccessRequest
	err := tx.RunInTx(context.Background(), func(txCtx context.Context) error {
		var findErr error
		got, findErr = repo.FindByIDForUpdate(txCtx, id)
		return findErr
	})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	require.Len(t, got.Stages, 2)
	assert.Equal(t, model.StageHOD, got.Stages[0].Stage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNextReferenceTakesAdvisoryLock(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRequestRepository(db)
	day := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtext\(\$1\)\)`).
		WithArgs("ICT-20261019-").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT count\(\*\) FROM "access_requests" WHERE reference LIKE \$1`).
		WithArgs("ICT-20261019-%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	ref, err := repo.NextReference(context.Background(), "ICT", day)

	require.NoError(t, err)
	assert.Equal(t, "ICT-20261019-00005", ref)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSMSStatus(t *testing.T) {
	older := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	newer := older.Add(time.Minute)
	stored := `{"requester":{"status":"sent","attempted":1,"succeeded":1,"event_at":"2026-10-19T09:01:00Z"}}`

	tests := []struct {
		name      string
		eventAt   time.Time
		wantWrite bool
	}{
		{name: "newer event replaces entry", eventAt: newer.Add(time.Minute), wantWrite: true},
		{name: "replay of the same event", eventAt: newer, wantWrite: true},
		{name: "older event is dropped", eventAt: older, wantWrite: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			db, mock := newMockDB(t)
			repo := NewRequestRepository(db)
			id := uuid.New()

			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT .*sms_status.* FROM "access_requests" WHERE id = \$1 .*FOR UPDATE`).
				WillReturnRows(sqlmock.NewRows([]string{"id", "sms_status"}).AddRow(id.String(), []byte(stored)))
			if tt.wantWrite {
				mock.ExpectExec(`UPDATE "access_requests" SET "sms_status"=\$1 WHERE id = \$2`).
					WillReturnResult(sqlmock.NewResult(0, 1))
			}
			mock.ExpectCommit()

			// Act
			err := repo.UpdateSMSStatus(context.Background(), id, model.RecipientRequester, model.SMSDelivery{
				Status:    model.SMSStatusFailed,
				Attempted: 1,
				EventAt:   tt.eventAt,
			})

			// Assert
			require.NoError(t, err)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
