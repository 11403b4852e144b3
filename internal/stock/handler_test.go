package stock

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	_ "github.com/stocklane/stocklane/testing"
)

func newTestRouter(repo *memoryRepo) http.Handler {
	handler := NewHandler(nil, newTestService(repo))
	r := chi.NewRouter()
	r.Route("/stock", handler.MountRoutes)
	return r
}

func postJSON(t *testing.T, router http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleAdjust(t *testing.T) {
	repo := newMemoryRepo()
	router := newTestRouter(repo)

	rec := postJSON(t, router, "/stock/adjustments",
		`{"item_id":1,"warehouse_id":1,"lot":"lot-a","delta":10,"reason":"inbound","ref":"GRN-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp adjustResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Applied)
	require.Equal(t, int64(10), resp.AfterQty)

	// Replay resolves to the recorded outcome.
	rec = postJSON(t, router, "/stock/adjustments",
		`{"item_id":1,"warehouse_id":1,"lot":"lot-a","delta":10,"reason":"inbound","ref":"GRN-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Applied)
	require.Equal(t, int64(10), resp.AfterQty)
}

func TestHandleAdjustValidation(t *testing.T) {
	router := newTestRouter(newMemoryRepo())

	rec := postJSON(t, router, "/stock/adjustments", `{`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, router, "/stock/adjustments",
		`{"item_id":1,"warehouse_id":1,"delta":1,"reason":"SHIPMENT","ref":"X-1"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = postJSON(t, router, "/stock/adjustments",
		`{"item_id":1,"delta":1,"reason":"inbound","ref":"X-1"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleAdjustConflictCarriesState(t *testing.T) {
	router := newTestRouter(newMemoryRepo())

	rec := postJSON(t, router, "/stock/adjustments",
		`{"item_id":1,"warehouse_id":1,"delta":-5,"reason":"pick","ref":"SO-1"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	var problem struct {
		Code  string         `json:"code"`
		State map[string]any `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Equal(t, "insufficient_stock", problem.Code)
	require.Equal(t, float64(0), problem.State["on_hand"])
	require.Equal(t, float64(-5), problem.State["delta"])
}

func TestHandleCommitPerLineReportsPartial(t *testing.T) {
	repo := newMemoryRepo()
	router := newTestRouter(repo)

	rec := postJSON(t, router, "/stock/adjustments",
		`{"item_id":1,"warehouse_id":1,"delta":10,"reason":"inbound","ref":"GRN-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = postJSON(t, router, "/stock/commits",
		`{"ref":"SO-9","lines":[
			{"item_id":1,"warehouse_id":1,"delta":-5,"reason":"pick"},
			{"item_id":2,"warehouse_id":1,"delta":-3,"reason":"pick"}
		]}`)
	require.Equal(t, http.StatusMultiStatus, rec.Code)

	var resp commitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Lines, 2)
	require.True(t, resp.Lines[0].Applied)
	require.Empty(t, resp.Lines[0].Error)
	require.False(t, resp.Lines[1].Applied)
	require.NotEmpty(t, resp.Lines[1].Error)
}

func TestHandleLedgerFilters(t *testing.T) {
	repo := newMemoryRepo()
	router := newTestRouter(repo)

	rec := postJSON(t, router, "/stock/adjustments",
		`{"item_id":1,"warehouse_id":1,"delta":10,"reason":"inbound","ref":"GRN-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/stock/ledger?item_id=1&reason=INBOUND", nil)
	recGet := httptest.NewRecorder()
	router.ServeHTTP(recGet, req)
	require.Equal(t, http.StatusOK, recGet.Code)

	var resp ledgerResponse
	require.NoError(t, json.Unmarshal(recGet.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 1)
	require.Equal(t, "INBOUND", resp.Entries[0].Reason)
	require.Equal(t, 1, resp.Pagination.Total)

	req = httptest.NewRequest(http.MethodGet, "/stock/ledger?reason=SHIPMENT", nil)
	recGet = httptest.NewRecorder()
	router.ServeHTTP(recGet, req)
	require.Equal(t, http.StatusUnprocessableEntity, recGet.Code)
}
