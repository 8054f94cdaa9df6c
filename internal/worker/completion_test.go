package worker

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	completed []uuid.UUID
}

func (f *fakeNotifier) CampaignCompleted(_ context.Context, id uuid.UUID) {
	f.completed = append(f.completed, id)
}

const qCompletionCounts = `FROM delivery_records WHERE campaign_id = \$1`

func completionRow(steps, withRecords, total, terminal, pending int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"steps", "steps_with_records", "total", "terminal", "pending"}).
		AddRow(steps, withRecords, total, terminal, pending)
}

func TestCompletionIgnoresLowerSteps(t *testing.T) {
	env := newWorkerEnv(t)
	campaignID := uuid.New()

	env.mock.ExpectQuery(qMaxStepOrder).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(3))

	n := &fakeNotifier{}
	c := NewCompletionChecker(env.store, n)
	err := c.CheckAndComplete(context.Background(), campaignID, 1)
	require.NoError(t, err)
	require.Empty(t, n.completed)
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestCompletionWaitsForPendingRecords(t *testing.T) {
	env := newWorkerEnv(t)
	campaignID := uuid.New()

	env.mock.ExpectQuery(qMaxStepOrder).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(2))
	env.mock.ExpectQuery(qCompletionCounts).
		WillReturnRows(completionRow(2, 2, 100, 97, 3))

	n := &fakeNotifier{}
	c := NewCompletionChecker(env.store, n)
	err := c.CheckAndComplete(context.Background(), campaignID, 2)
	require.NoError(t, err)
	require.Empty(t, n.completed, "pending records must block completion")
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestCompletionWaitsForUnpreparedSteps(t *testing.T) {
	env := newWorkerEnv(t)
	campaignID := uuid.New()

	env.mock.ExpectQuery(qMaxStepOrder).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(2))
	// Step two has records, step one's preparation has not run yet.
	env.mock.ExpectQuery(qCompletionCounts).
		WillReturnRows(completionRow(2, 1, 50, 50, 0))

	n := &fakeNotifier{}
	c := NewCompletionChecker(env.store, n)
	err := c.CheckAndComplete(context.Background(), campaignID, 2)
	require.NoError(t, err)
	require.Empty(t, n.completed)
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestCompletionMarksAndNotifies(t *testing.T) {
	env := newWorkerEnv(t)
	campaignID := uuid.New()

	env.mock.ExpectQuery(qMaxStepOrder).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(2))
	env.mock.ExpectQuery(qCompletionCounts).
		WillReturnRows(completionRow(2, 2, 100, 100, 0))
	env.mock.ExpectExec(`completed_at = NOW\(\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n := &fakeNotifier{}
	c := NewCompletionChecker(env.store, n)
	err := c.CheckAndComplete(context.Background(), campaignID, 2)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{campaignID}, n.completed)
	require.NoError(t, env.mock.ExpectationsWereMet())
}

func TestCompletionLostRaceStaysQuiet(t *testing.T) {
	env := newWorkerEnv(t)
	campaignID := uuid.New()

	env.mock.ExpectQuery(qMaxStepOrder).
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(2))
	env.mock.ExpectQuery(qCompletionCounts).
		WillReturnRows(completionRow(2, 2, 100, 100, 0))
	// Another worker already flipped the status.
	env.mock.ExpectExec(`completed_at = NOW\(\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	n := &fakeNotifier{}
	c := NewCompletionChecker(env.store, n)
	err := c.CheckAndComplete(context.Background(), campaignID, 2)
	require.NoError(t, err)
	require.Empty(t, n.completed, "only the winning transition may notify")
	require.NoError(t, env.mock.ExpectationsWereMet())
}
