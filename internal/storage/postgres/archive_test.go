package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/docrag/intake/internal/intake"
)

func terminalJob() intake.Job {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	completed := created.Add(time.Minute)
	return intake.Job{
		ID:          "job-1",
		PaperID:     "paper-1",
		Status:      intake.JobStatusSucceeded,
		Digest:      "abc123",
		Result:      &intake.Result{Indexed: true, Parser: intake.ParserMinerU},
		CreatedAt:   created,
		CompletedAt: &completed,
	}
}

func TestArchive_InsertsTerminalJob(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	archive, err := newJobArchiveWithDB(mock, "job_archive")
	require.NoError(t, err)

	job := terminalJob()
	mock.ExpectExec("INSERT INTO job_archive").
		WithArgs(job.ID, job.PaperID, "succeeded", job.Digest, "",
			pgxmock.AnyArg(), job.CreatedAt, *job.CompletedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, archive.Archive(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchive_RejectsNonTerminalJob(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	archive, err := newJobArchiveWithDB(mock, "job_archive")
	require.NoError(t, err)

	job := terminalJob()
	job.Status = intake.JobStatusRunning

	require.Error(t, archive.Archive(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewJobArchive_RejectsBadTableName(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = newJobArchiveWithDB(mock, "jobs; DROP TABLE jobs")
	require.Error(t, err)
}

func TestArchive_FailedJobCarriesError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	archive, err := newJobArchiveWithDB(mock, "job_archive")
	require.NoError(t, err)

	job := terminalJob()
	job.Status = intake.JobStatusFailed
	job.Result = nil
	job.ErrorText = "backend unavailable"

	mock.ExpectExec("INSERT INTO job_archive").
		WithArgs(job.ID, job.PaperID, "failed", job.Digest, "backend unavailable",
			pgxmock.AnyArg(), job.CreatedAt, *job.CompletedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, archive.Archive(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}
