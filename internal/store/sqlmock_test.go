package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/dhtcore/internal/ir"
	"github.com/roach88/dhtcore/internal/testutil"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestInsertLimboBeginFailure(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin().WillReturnError(errors.New("disk full"))

	alice := testutil.NewAgent(t, "alice")
	genesis, _ := alice.Genesis(t)
	err := s.InsertLimbo(context.Background(), toLimbo(t, testutil.Ops(t, ir.TransformInput{Action: genesis[0]}), true))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin tx")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIntegrateBatchRollsBackOnFailure(t *testing.T) {
	s, mock := newMockStore(t)

	alice := testutil.NewAgent(t, "alice")
	genesis, _ := alice.Genesis(t)
	ops := toLimbo(t, testutil.Ops(t, ir.TransformInput{Action: genesis[0]}), true)
	ops[0].Stage = StageAwaitingIntegration
	ops[0].SysOutcome = OutcomeValid
	ops[0].AppOutcome = OutcomeValid

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO ops").WillReturnError(errors.New("constraint failed"))
	mock.ExpectRollback()

	_, err := s.IntegrateBatch(context.Background(), ops, testutil.StartTime)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "constraint failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPublishedCommitFailure(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE authored_ops SET last_publish_time").
		WithArgs(int64(testutil.StartTime), "op-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(errors.New("database is locked"))

	err := s.MarkPublished(context.Background(), []ir.OpHash{"op-1"}, testutil.StartTime)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPublishedEmptyIsNoop(t *testing.T) {
	s, mock := newMockStore(t)
	require.NoError(t, s.MarkPublished(context.Background(), nil, testutil.StartTime))
	assert.NoError(t, mock.ExpectationsWereMet())
}
