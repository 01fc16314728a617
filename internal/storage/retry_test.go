package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"40001", true},
		{"40P01", true},
		{"08006", true},
		{"57P01", true},
		{"23505", false}, // unique_violation
		{"42P01", false}, // undefined_table
	}
	for _, tt := range tests {
		err := fmt.Errorf("copy: %w", &pgconn.PgError{Code: tt.code})
		assert.Equal(t, tt.want, isTransient(err), tt.code)
	}
	assert.False(t, isTransient(errors.New("boom")))
}

func TestWithRetry(t *testing.T) {
	transient := &pgconn.PgError{Code: "40001"}

	calls := 0
	err := withRetry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return transient
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = withRetry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return transient
	})
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 3, calls)

	calls = 0
	permanent := &pgconn.PgError{Code: "23505"}
	err = withRetry(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = withRetry(ctx, 2, time.Second, func() error { return transient })
	assert.ErrorIs(t, err, context.Canceled)
}
