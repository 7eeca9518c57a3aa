package db

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthReturnsHealthyOnSuccessfulPing(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectPing()

	status, err := Health(context.Background(), sqlDB)
	require.NoError(t, err)
	assert.Equal(t, "healthy", status.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthReturnsUnhealthyOnPingFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectPing().WillReturnError(assertErr)

	status, err := Health(context.Background(), sqlDB)
	require.Error(t, err)
	assert.Equal(t, "unhealthy", status.Status)
}

var assertErr = errPingFailed{}

type errPingFailed struct{}

func (errPingFailed) Error() string { return "ping failed" }
