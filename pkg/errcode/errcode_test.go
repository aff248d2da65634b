package errcode

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := Wrap(NotFound, "token not found", errors.New("no rows"))

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrExpired)
	assert.Equal(t, "token not found: no rows", err.Error())
}

func TestError_IsThroughWrapping(t *testing.T) {
	err := fmt.Errorf("creating session: %w", New(SessionQuotaExceeded, "session quota exceeded"))

	assert.ErrorIs(t, err, ErrSessionQuotaExceeded)
	assert.Equal(t, SessionQuotaExceeded, Of(err))
}

func TestOf_UncodedIsInternal(t *testing.T) {
	assert.Equal(t, Internal, Of(errors.New("boom")))
	assert.Equal(t, Internal, Of(nil))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{NotFound, http.StatusNotFound},
		{Expired, http.StatusUnauthorized},
		{Deactivated, http.StatusForbidden},
		{SessionQuotaExceeded, http.StatusTooManyRequests},
		{MessageQuotaExceeded, http.StatusTooManyRequests},
		{AdapterFailure, http.StatusBadGateway},
		{MalformedRequest, http.StatusBadRequest},
		{Internal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.code))
		})
	}
}
