package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		in   error
		want error
	}{
		{"nil", nil, nil},
		{"no rows", sql.ErrNoRows, ErrNotFound},
		{"bad conn", driver.ErrBadConn, ErrTransient},
		{"deadline", context.DeadlineExceeded, ErrTransient},
		{"net timeout", &net.OpError{Op: "dial", Err: errors.New("refused")}, ErrTransient},
		{"unique violation", &pq.Error{Code: "23505"}, ErrConstraint},
		{"check violation", &pq.Error{Code: "23514"}, ErrConstraint},
		{"foreign key", &pq.Error{Code: "23503"}, ErrConstraint},
		{"connection failure", &pq.Error{Code: "08006"}, ErrTransient},
		{"admin shutdown", &pq.Error{Code: "57P01"}, ErrTransient},
		{"deadlock", &pq.Error{Code: "40P01"}, ErrTransient},
		{"serialization", &pq.Error{Code: "40001"}, ErrTransient},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classify(tc.in))
		})
	}
}

func TestClassifyWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("insert execution: %w", &pq.Error{Code: "23505"})
	assert.Equal(t, ErrConstraint, classify(wrapped))
}

func TestClassifyPassesUnknownThrough(t *testing.T) {
	boom := errors.New("boom")
	assert.Equal(t, boom, classify(boom))

	syntax := &pq.Error{Code: "42601"}
	assert.Equal(t, error(syntax), classify(syntax))
}
