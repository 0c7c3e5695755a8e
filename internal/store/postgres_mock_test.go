package store

import (
	"context"
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPG(t *testing.T) (*PG, pgxmock.PgxConnIface) {
	t.Helper()
	mock, err := pgxmock.NewConn()
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close(context.Background()) })
	return NewPGWithDB(mock), mock
}

func TestPG_UpsertIdentity(t *testing.T) {
	s, mock := newMockPG(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO identities").
		WithArgs("alice", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertIdentity(ctx, "alice", types.Embedding{1, 2}))

	// Invalid labels never reach the database
	assert.ErrorIs(t, s.UpsertIdentity(ctx, "bad\nlabel", types.Embedding{1}), types.ErrInvalidIdentity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPG_DeleteIdentity(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		wantErr  error
	}{
		{name: "deleted", affected: 1},
		{name: "unknown label", affected: 0, wantErr: ErrUnknownIdentity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockPG(t)

			mock.ExpectExec("DELETE FROM identities").
				WithArgs("bob").
				WillReturnResult(pgxmock.NewResult("DELETE", tt.affected))

			err := s.DeleteIdentity(context.Background(), "bob")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPG_FindClosest(t *testing.T) {
	t.Run("match", func(t *testing.T) {
		s, mock := newMockPG(t)
		rows := pgxmock.NewRows([]string{"label", "distance"}).AddRow("alice", float32(0.25))
		mock.ExpectQuery("ORDER BY embedding").
			WithArgs(pgxmock.AnyArg(), float32(0.6), 2).
			WillReturnRows(rows)

		label, dist, ok, err := s.FindClosest(context.Background(), types.Embedding{0, 0}, 0.6)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "alice", label)
		assert.Equal(t, float32(0.25), dist)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no rows is not an error", func(t *testing.T) {
		s, mock := newMockPG(t)
		mock.ExpectQuery("ORDER BY embedding").
			WithArgs(pgxmock.AnyArg(), float32(0.6), 2).
			WillReturnError(pgx.ErrNoRows)

		_, _, ok, err := s.FindClosest(context.Background(), types.Embedding{0, 0}, 0.6)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPG_RecordAndList(t *testing.T) {
	s, mock := newMockPG(t)
	ctx := context.Background()
	at := time.UnixMilli(1_700_000_000_000)

	mock.ExpectExec("INSERT INTO attendance").
		WithArgs(s.Session(), "alice", at.UTC()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.Record(ctx, "alice", at))

	rows := pgxmock.NewRows([]string{"label", "seen_at"}).
		AddRow("alice", at).
		AddRow("bob", at.Add(time.Second))
	mock.ExpectQuery("FROM attendance").
		WithArgs(at.UTC()).
		WillReturnRows(rows)

	records, err := s.ListAttendance(ctx, at)
	require.NoError(t, err)
	assert.Equal(t, []types.AttendanceRecord{
		{Identity: "alice", At: at},
		{Identity: "bob", At: at.Add(time.Second)},
	}, records)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPG_Reset(t *testing.T) {
	s, mock := newMockPG(t)
	mock.ExpectExec("DROP TABLE IF EXISTS attendance").
		WillReturnResult(pgxmock.NewResult("DROP", 0))

	require.NoError(t, s.Reset(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
