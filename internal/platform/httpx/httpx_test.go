package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRespondErrorMapsKinds(t *testing.T) {
	domainErr := errors.New("ledger: loan not found")
	cases := []struct {
		err    error
		status int
		title  string
		detail string
	}{
		{Wrap(ErrNotFound, domainErr), http.StatusNotFound, "Not Found", "ledger: loan not found"},
		{fmt.Errorf("%w: amount", ErrValidation), http.StatusBadRequest, "Validation Failed", "validation failed: amount"},
		{Wrap(ErrConflict, domainErr), http.StatusConflict, "Conflict", "ledger: loan not found"},
		{Wrap(ErrBusy, domainErr), http.StatusServiceUnavailable, "Busy", "ledger: loan not found"},
		{errors.New("pg: connection reset"), http.StatusInternalServerError, "Internal Error", ""},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		RespondError(rec, tc.err)

		require.Equal(t, tc.status, rec.Code)
		require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
		var body ProblemDetail
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, tc.title, body.Title)
		require.Equal(t, tc.detail, body.Detail)
		require.Equal(t, tc.status, body.Status)
	}
}

func TestRespondErrorBusySetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, Wrap(ErrBusy, errors.New("group busy")))
	require.Equal(t, "5", rec.Header().Get("Retry-After"))

	var body ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "busy", body.Type)
}

func TestWrapKeepsBothChains(t *testing.T) {
	domainErr := errors.New("shareout: not found")
	err := Wrap(ErrNotFound, domainErr)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, err, domainErr)
	require.Equal(t, domainErr.Error(), err.Error())
	require.NoError(t, Wrap(ErrNotFound, nil))
}

type amountRequest struct {
	Amount string `json:"amount" validate:"required,numeric"`
	Status string `json:"status" validate:"omitempty,oneof=paid deferred"`
}

func TestDecodeAndValidate(t *testing.T) {
	decode := func(body string) (amountRequest, error) {
		var req amountRequest
		r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		return req, DecodeAndValidate(r, &req)
	}

	req, err := decode(`{"amount":"250.50","status":"paid"}`)
	require.NoError(t, err)
	require.Equal(t, "250.50", req.Amount)

	_, err = decode(`{"amount":"abc"}`)
	require.ErrorIs(t, err, ErrValidation)
	require.Contains(t, err.Error(), "amount failed numeric")

	_, err = decode(`{"amount":"1","status":"lost"}`)
	require.ErrorIs(t, err, ErrValidation)
	require.Contains(t, err.Error(), "status failed oneof")

	_, err = decode(``)
	require.ErrorIs(t, err, ErrValidation)
	require.Contains(t, err.Error(), "request body required")

	_, err = decode(`{"amount":`)
	require.ErrorIs(t, err, ErrValidation)
}
