package postgres_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/compute-marketplace/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/compute-marketplace/internal/domain"
)

// scanVals copies scripted values into scan destinations positionally,
// skipping nils so pointer columns stay NULL.
func scanVals(vals ...any) func(dest ...any) error {
	return func(dest ...any) error {
		for i, d := range dest {
			if i >= len(vals) || vals[i] == nil {
				continue
			}
			reflect.ValueOf(d).Elem().Set(reflect.ValueOf(vals[i]))
		}
		return nil
	}
}

func jobRow(j domain.Job) rowStub {
	return rowStub{scan: scanVals(
		j.ID, j.JobType, j.ImageRef, j.Command, j.Env, j.InputURL, j.OutputURL,
		j.GPUMemoryRequired, j.RequiresGPU, j.EstimatedDurationS, j.TimeoutS, j.RewardLamports,
		j.AgentID, j.AgentWallet, j.Status, j.Priority, j.RetryCount, j.MaxRetries,
		j.CreatedAt, j.AcceptedAt, j.StartedAt, j.CompletedAt,
		j.CompletionData, j.FailureReason, j.PaymentSignature,
	)}
}

func strPtr(s string) *string { return &s }

func baseJob(status domain.JobStatus, agentID string) domain.Job {
	j := domain.Job{
		ID:             "job-1",
		JobType:        "render",
		Command:        []string{"python", "run.py"},
		Env:            map[string]string{},
		TimeoutS:       60,
		RewardLamports: 1000,
		Status:         status,
		Priority:       domain.PriorityNormal,
		MaxRetries:     3,
		CreatedAt:      time.Now().UTC(),
	}
	if agentID != "" {
		j.AgentID = strPtr(agentID)
		j.AgentWallet = strPtr("wallet-" + agentID)
	}
	return j
}

func TestPing_Unavailable(t *testing.T) {
	st := postgres.New(&poolStub{pingErr: errors.New("refused")})
	err := st.Ping(context.Background())
	require.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestGetJob_NotFound(t *testing.T) {
	st := postgres.New(&poolStub{rows: []rowStub{noRows()}})
	_, err := st.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateAgent_DuplicateKeyIsConflict(t *testing.T) {
	st := postgres.New(&poolStub{execErr: &pgconn.PgError{Code: "23505"}})
	_, err := st.CreateAgent(context.Background(), domain.Agent{ID: "a1", APIKeyHash: "h"})
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestCreateAgent_MissingIdentity(t *testing.T) {
	st := postgres.New(&poolStub{})
	_, err := st.CreateAgent(context.Background(), domain.Agent{})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestTouchAgent_ZeroRowsIsNotFound(t *testing.T) {
	st := postgres.New(&poolStub{execTag: pgconn.NewCommandTag("UPDATE 0")})
	err := st.TouchAgent(context.Background(), "ghost", time.Now())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAssignJob_Success(t *testing.T) {
	j := baseJob(domain.JobAssigned, "a1")
	st := postgres.New(&poolStub{rows: []rowStub{jobRow(j)}})
	got, err := st.AssignJob(context.Background(), "job-1", "a1", "wallet-a1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.JobAssigned, got.Status)
	require.NotNil(t, got.AgentID)
	assert.Equal(t, "a1", *got.AgentID)
}

func TestAssignJob_LostCASIsConflict(t *testing.T) {
	status := rowStub{scan: scanVals("assigned")}
	st := postgres.New(&poolStub{rows: []rowStub{noRows(), status}})
	_, err := st.AssignJob(context.Background(), "job-1", "a2", "w", time.Now())
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestAssignJob_UnknownJobIsNotFound(t *testing.T) {
	st := postgres.New(&poolStub{rows: []rowStub{noRows(), noRows()}})
	_, err := st.AssignJob(context.Background(), "ghost", "a1", "w", time.Now())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCompleteJob_WrongAgentRollsBack(t *testing.T) {
	tx := &txStub{rows: []rowStub{jobRow(baseJob(domain.JobRunning, "a1"))}}
	st := postgres.New(&poolStub{tx: tx})
	_, _, err := st.CompleteJob(context.Background(), "job-1", "impostor", nil, 5, time.Now())
	require.ErrorIs(t, err, domain.ErrWrongAgent)
	assert.True(t, tx.rolled)
	assert.False(t, tx.committed)
}

func TestCompleteJob_TerminalIsConflict(t *testing.T) {
	tx := &txStub{rows: []rowStub{jobRow(baseJob(domain.JobCompleted, "a1"))}}
	st := postgres.New(&poolStub{tx: tx})
	_, _, err := st.CompleteJob(context.Background(), "job-1", "a1", nil, 5, time.Now())
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestCompleteJob_CommitsJobAndPayment(t *testing.T) {
	agentRow := rowStub{scan: scanVals("wallet-a1", 42.0)}
	tx := &txStub{rows: []rowStub{jobRow(baseJob(domain.JobRunning, "a1")), agentRow}}
	st := postgres.New(&poolStub{tx: tx})

	now := time.Now().UTC()
	job, pay, err := st.CompleteJob(context.Background(), "job-1", "a1", map[string]any{"exit": 0}, 5, now)
	require.NoError(t, err)
	assert.True(t, tx.committed)
	assert.Equal(t, domain.JobCompleted, job.Status)
	assert.Equal(t, domain.PaymentPending, pay.Status)
	assert.Equal(t, int64(1000), pay.AmountLamports)
	assert.Equal(t, "wallet-a1", pay.AgentWallet)
}

func TestFailJob_AvailableIsConflict(t *testing.T) {
	tx := &txStub{rows: []rowStub{jobRow(baseJob(domain.JobAvailable, ""))}}
	st := postgres.New(&poolStub{tx: tx})
	_, err := st.FailJob(context.Background(), "job-1", "a1", "boom", time.Now())
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestRequeueJob_ExhaustedIsConflict(t *testing.T) {
	j := baseJob(domain.JobAssigned, "a1")
	j.RetryCount = 3
	tx := &txStub{rows: []rowStub{jobRow(j)}}
	st := postgres.New(&poolStub{tx: tx})
	_, err := st.RequeueJob(context.Background(), "job-1", domain.PriorityUrgent, time.Now())
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestRequeueJob_ResetsAssignment(t *testing.T) {
	j := baseJob(domain.JobAssigned, "a1")
	j.RetryCount = 1
	tx := &txStub{rows: []rowStub{jobRow(j)}}
	st := postgres.New(&poolStub{tx: tx})
	got, err := st.RequeueJob(context.Background(), "job-1", domain.PriorityHigh, time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.JobAvailable, got.Status)
	assert.Nil(t, got.AgentID)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, domain.PriorityHigh, got.Priority)
	assert.True(t, tx.committed)
}

func TestUpdatePaymentStatus_AlreadySettledIsNoop(t *testing.T) {
	tx := &txStub{
		execTags: []pgconn.CommandTag{pgconn.NewCommandTag("UPDATE 0")},
		rows:     []rowStub{{scan: scanVals("confirmed")}},
	}
	st := postgres.New(&poolStub{tx: tx})
	err := st.UpdatePaymentStatus(context.Background(), "job-1", "sig", domain.PaymentConfirmed)
	require.NoError(t, err)
	assert.True(t, tx.committed)
}

func TestUpdatePaymentStatus_MissingRowIsNotFound(t *testing.T) {
	tx := &txStub{
		execTags: []pgconn.CommandTag{pgconn.NewCommandTag("UPDATE 0")},
		rows:     []rowStub{noRows()},
	}
	st := postgres.New(&poolStub{tx: tx})
	err := st.UpdatePaymentStatus(context.Background(), "ghost", "sig", domain.PaymentFailed)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListAvailableJobs_QueryErrorIsTransient(t *testing.T) {
	st := postgres.New(&poolStub{queryErr: errors.New("connection reset")})
	_, err := st.ListAvailableJobs(context.Background(), domain.Capability{GPUMemoryBytes: 1}, 10)
	require.ErrorIs(t, err, domain.ErrTransient)
}

func TestMigrate_PropagatesExecError(t *testing.T) {
	err := postgres.Migrate(context.Background(), &poolStub{execErr: errors.New("syntax")})
	require.Error(t, err)
}
