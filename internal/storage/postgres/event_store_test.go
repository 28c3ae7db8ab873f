package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/imagine-orchestrator/internal/progress"
	"github.com/JakeFAU/imagine-orchestrator/internal/progress/sinks"
)

func TestEventStoreAppendTransitions(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	note := "Request failed"
	mock.ExpectExec("INSERT INTO imagine_job_transitions").
		WithArgs("j1", "video", "JOB_CREATED", at, (*string)(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO imagine_job_transitions").
		WithArgs("j1", "video", "JOB_ERROR", at, &note).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := NewEventStore(mock)
	err = store.AppendTransitions(context.Background(), []sinks.JobTransition{
		{JobID: "j1", Kind: "video", Stage: progress.StageJobCreated, At: at},
		{JobID: "j1", Kind: "video", Stage: progress.StageJobError, At: at, Note: note},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventStoreUpsertKeyUsage(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectExec("INSERT INTO imagine_key_usage").
		WithArgs("k1", int64(3), int64(1), at).
		WillReturnError(errors.New("conn reset"))

	store := NewEventStore(mock)
	err = store.UpsertKeyUsage(context.Background(), sinks.KeyUsage{KeyID: "k1", Attempts: 3, Failures: 1, LastAt: at})
	require.ErrorContains(t, err, "upsert key usage")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventStoreEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS imagine_job_transitions").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS imagine_key_usage").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, NewEventStore(mock).EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventStoreListTransitions(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	note := "quota exceeded"
	rows := pgxmock.NewRows([]string{"job_id", "kind", "stage", "at", "note"}).
		AddRow("j1", "video", "JOB_CREATED", at, "").
		AddRow("j1", "video", "JOB_ERROR", at.Add(time.Minute), note)
	mock.ExpectQuery("SELECT job_id, kind, stage, at").
		WithArgs("j1", 50, 0).
		WillReturnRows(rows)

	got, err := NewEventStore(mock).ListTransitions(context.Background(), "j1", 50, 0)
	require.NoError(t, err)
	require.Equal(t, []sinks.JobTransition{
		{JobID: "j1", Kind: "video", Stage: progress.StageJobCreated, At: at},
		{JobID: "j1", Kind: "video", Stage: progress.StageJobError, At: at.Add(time.Minute), Note: note},
	}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventStoreListKeyUsage(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery("SELECT key_id, attempts, failures, last_at").
		WithArgs(10, 5).
		WillReturnRows(pgxmock.NewRows([]string{"key_id", "attempts", "failures", "last_at"}).
			AddRow("k1", int64(7), int64(2), at))

	got, err := NewEventStore(mock).ListKeyUsage(context.Background(), 10, 5)
	require.NoError(t, err)
	require.Equal(t, []sinks.KeyUsage{{KeyID: "k1", Attempts: 7, Failures: 2, LastAt: at}}, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEventStoreListQueryError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT key_id").
		WithArgs(10, 0).
		WillReturnError(errors.New("down"))
	_, err = NewEventStore(mock).ListKeyUsage(context.Background(), 10, 0)
	require.ErrorContains(t, err, "query key usage")
	require.NoError(t, mock.ExpectationsWereMet())
}
