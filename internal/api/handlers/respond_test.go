package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxcore/internal/domain"
	"github.com/drfirst/go-rxcore/internal/domain/prescription"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: RX0042", domain.ErrNotFound), http.StatusNotFound},
		{domain.ErrLineNotFound, http.StatusNotFound},
		{domain.ErrInvalidDraft, http.StatusUnprocessableEntity},
		{domain.ErrInsufficientStock, http.StatusConflict},
		{domain.ErrAlreadyFulfilled, http.StatusConflict},
		{domain.Unavailable("append audit entry", errors.New("connection reset")), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), tt.err.Error())
	}
}

func TestWriteErrorMasksInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, zap.NewNop(), errors.New("pq: password authentication failed"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")

	rec = httptest.NewRecorder()
	writeError(rec, zap.NewNop(), domain.Unavailable("insert audit entry", errors.New("timeout")))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}

func TestDecode(t *testing.T) {
	var req FulfillRequest
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	require.NoError(t, decode(r, &req, true))

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	assert.Error(t, decode(r, &req, false))

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"quantity":3,"invoice_id":"INV-7"}`))
	require.NoError(t, decode(r, &req, false))
	assert.Equal(t, FulfillRequest{Quantity: 3, InvoiceID: "INV-7"}, req)
}

func TestParseFilter(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?fulfillment_status=partial&expiry=expiring&q=amox", nil)
	f, err := parseFilter(r)
	require.NoError(t, err)
	assert.Equal(t, prescription.Filter{
		FulfillmentStatus: prescription.FulfillmentPartial,
		ExpiryBucket:      prescription.ExpiryExpiring,
		FreeTextContains:  "amox",
	}, f)

	for _, q := range []string{"fulfillment_status=done", "expiry=soon", "schedule=Z"} {
		_, err := parseFilter(httptest.NewRequest(http.MethodGet, "/?"+q, nil))
		assert.Error(t, err, q)
	}
}

func TestParseLimit(t *testing.T) {
	n, err := parseLimit("")
	require.NoError(t, err)
	assert.Equal(t, defaultListLimit, n)

	n, err = parseLimit("5000")
	require.NoError(t, err)
	assert.Equal(t, maxListLimit, n)

	_, err = parseLimit("-1")
	assert.Error(t, err)
}
