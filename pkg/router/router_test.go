package router

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/MilliHub-dev/Aeko-backend-sub001/core"
)

func Test_mapError(t *testing.T) {
	router := New()

	tcs := []struct {
		err error
		exp JsonError
	}{
		{
			err: core.NewError(core.KindForbidden, "not a room member"),
			exp: JsonError{
				Code: http.StatusForbidden,
				Err:  "not a room member",
			},
		},
		{
			err: core.WrapError(core.KindPersistenceFailed, "insert failed", errors.New("disk full")),
			exp: JsonError{
				Code: http.StatusInternalServerError,
				Err:  "persistence_failed",
			},
		},
		{
			err: core.NewError(core.KindRateLimited, "slow down"),
			exp: JsonError{
				Code: http.StatusTooManyRequests,
				Err:  "slow down",
			},
		},
		{
			err: errors.New("random error"),
			exp: router.defaultError,
		},
		{
			err: JsonError{
				Code: 400,
				Err:  "API Error",
			},
			exp: JsonError{
				Code: 400,
				Err:  "API Error",
			},
		},
	}

	for _, tc := range tcs {
		got := router.mapError(tc.err)
		assert.Equal(t, tc.exp, got)
	}
}
