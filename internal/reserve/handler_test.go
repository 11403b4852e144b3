package reserve

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newTestRouter(repo *memoryRepo, stockEngine *fakeStock) http.Handler {
	handler := NewHandler(nil, newTestService(repo, stockEngine))
	r := chi.NewRouter()
	r.Route("/reservations", handler.MountRoutes)
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

func TestHandlePersistAndGet(t *testing.T) {
	router := newTestRouter(newMemoryRepo(nil), newFakeStock())

	rec := postJSON(t, router, "/reservations",
		`{"platform":"tokopedia","shop":"shop-1","warehouse_id":1,"ref":"SO-1","ttl_minutes":30,"lines":[{"item_id":1,"qty":3}]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp reservationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "open", resp.Status)
	require.NotEmpty(t, resp.ExpireAt)
	require.Len(t, resp.Lines, 1)

	req := httptest.NewRequest(http.MethodGet,
		"/reservations?platform=tokopedia&shop=shop-1&warehouse_id=1&ref=SO-1", nil)
	recGet := httptest.NewRecorder()
	router.ServeHTTP(recGet, req)
	require.Equal(t, http.StatusOK, recGet.Code)

	require.NoError(t, json.Unmarshal(recGet.Body.Bytes(), &resp))
	require.Equal(t, "SO-1", resp.Ref)
	require.Equal(t, int64(3), resp.Lines[0].Qty)
}

func TestHandlePersistValidation(t *testing.T) {
	router := newTestRouter(newMemoryRepo(nil), newFakeStock())

	rec := postJSON(t, router, "/reservations", `{`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Missing lines.
	rec = postJSON(t, router, "/reservations",
		`{"platform":"tokopedia","shop":"shop-1","warehouse_id":1,"ref":"SO-1"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandlePickShortageCarriesState(t *testing.T) {
	stockEngine := newFakeStock()
	stockEngine.qty[1] = 2
	repo := newMemoryRepo(stockEngine)
	router := newTestRouter(repo, stockEngine)

	rec := postJSON(t, router, "/reservations",
		`{"platform":"tokopedia","shop":"shop-1","warehouse_id":1,"ref":"SO-2","lines":[{"item_id":1,"qty":5}]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = postJSON(t, router, "/reservations/pick",
		`{"platform":"tokopedia","shop":"shop-1","warehouse_id":1,"ref":"SO-2"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	var problem struct {
		Code  string         `json:"code"`
		State map[string]any `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Equal(t, "insufficient_available", problem.Code)
	require.Equal(t, float64(5), problem.State["required"])
	require.Equal(t, float64(2), problem.State["available"])
	require.Equal(t, float64(3), problem.State["short"])
}

func TestHandleReleaseAndNotOpen(t *testing.T) {
	stockEngine := newFakeStock()
	stockEngine.qty[1] = 10
	repo := newMemoryRepo(stockEngine)
	router := newTestRouter(repo, stockEngine)

	rec := postJSON(t, router, "/reservations",
		`{"platform":"tokopedia","shop":"shop-1","warehouse_id":1,"ref":"SO-3","lines":[{"item_id":1,"qty":5}]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = postJSON(t, router, "/reservations/release",
		`{"platform":"tokopedia","shop":"shop-1","warehouse_id":1,"ref":"SO-3"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"released"`)

	rec = postJSON(t, router, "/reservations/pick",
		`{"platform":"tokopedia","shop":"shop-1","warehouse_id":1,"ref":"SO-3"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "reservation_not_open")
}

func TestHandleAvailability(t *testing.T) {
	stockEngine := newFakeStock()
	stockEngine.qty[1] = 10
	repo := newMemoryRepo(stockEngine)
	router := newTestRouter(repo, stockEngine)

	rec := postJSON(t, router, "/reservations",
		`{"platform":"tokopedia","shop":"shop-1","warehouse_id":1,"ref":"SO-4","lines":[{"item_id":1,"qty":4}]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/reservations/availability?warehouse_id=1&item_id=1", nil)
	recGet := httptest.NewRecorder()
	router.ServeHTTP(recGet, req)
	require.Equal(t, http.StatusOK, recGet.Code)

	var av availabilityResponse
	require.NoError(t, json.Unmarshal(recGet.Body.Bytes(), &av))
	require.Equal(t, int64(10), av.OnHand)
	require.Equal(t, int64(4), av.ReservedOpen)
	require.Equal(t, int64(6), av.Available)

	req = httptest.NewRequest(http.MethodGet, "/reservations/availability?warehouse_id=1&item_ids=1,99", nil)
	recGet = httptest.NewRecorder()
	router.ServeHTTP(recGet, req)
	require.Equal(t, http.StatusOK, recGet.Code)

	var bulk struct {
		Items []availabilityResponse `json:"items"`
	}
	require.NoError(t, json.Unmarshal(recGet.Body.Bytes(), &bulk))
	require.Len(t, bulk.Items, 2)
	require.Equal(t, int64(6), bulk.Items[0].Available)
	require.Zero(t, bulk.Items[1].OnHand)
}
