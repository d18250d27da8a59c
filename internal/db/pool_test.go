package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyRows_Empty(t *testing.T) {
	n, err := CopyRows(context.Background(), nil, "source_observations", []string{"id"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyRows_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	cols := []string{"id", "provider_id"}
	mock.ExpectCopyFrom(pgx.Identifier{"source_observations"}, cols).WillReturnResult(2)

	n, err := CopyRows(context.Background(), mock, "source_observations", cols, [][]any{{"o1", "p1"}, {"o2", "p1"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyRows_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"issues"}, []string{"id"}).WillReturnError(fmt.Errorf("copy failed"))

	_, err = CopyRows(context.Background(), mock, "issues", []string{"id"}, [][]any{{"i1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "copy into issues")
	assert.NoError(t, mock.ExpectationsWereMet())
}
