package services

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"swapline/agent/internal/mocks"
	"swapline/agent/internal/models"
)

func newTestAPI(t *testing.T) (*ApiService, *mocks.MockTransferStore) {
	t.Helper()
	o, store := newTestOrchestrator(t, settledLedger(), &mocks.MockChain{}, &mocks.MockQuoter{})
	return NewApiService(o, ":0"), store
}

func doRequest(t *testing.T, api *ApiService, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	api.server.Handler.ServeHTTP(w, req)
	return w
}

func doJSON(t *testing.T, api *ApiService, method, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return doRequest(t, api, method, path, bytes.NewReader(buf))
}

func decodeRecord(t *testing.T, w *httptest.ResponseRecorder) models.TransferRecord {
	t.Helper()
	var rec models.TransferRecord
	if err := json.NewDecoder(w.Body).Decode(&rec); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	return rec
}

func TestApiHealth(t *testing.T) {
	api, _ := newTestAPI(t)

	w := doRequest(t, api, http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Errorf("body = %s, want ok status", w.Body.String())
	}
}

func TestApiSubmitTransfer(t *testing.T) {
	api, _ := newTestAPI(t)
	req := testTransferRequest("api-1")

	w := doJSON(t, api, http.MethodPost, "/api/v1/transfers", req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	rec := decodeRecord(t, w)
	if rec.Key != req.Key() {
		t.Errorf("key = %s, want %s", rec.Key, req.Key())
	}
	if rec.State != models.StateInit {
		t.Errorf("state = %s, want INIT", rec.State)
	}
}

func TestApiSubmitTransfer_RepeatReturnsSameRecord(t *testing.T) {
	api, _ := newTestAPI(t)
	req := testTransferRequest("api-repeat")

	first := decodeRecord(t, doJSON(t, api, http.MethodPost, "/api/v1/transfers", req))
	w := doJSON(t, api, http.MethodPost, "/api/v1/transfers", req)
	if w.Code != http.StatusOK {
		t.Fatalf("repeat status = %d, want 200", w.Code)
	}
	second := decodeRecord(t, w)
	if second.Key != first.Key {
		t.Errorf("repeat key = %s, want %s", second.Key, first.Key)
	}
}

func TestApiSubmitTransfer_ConflictingTerms(t *testing.T) {
	api, _ := newTestAPI(t)
	req := testTransferRequest("api-clash")

	w := doJSON(t, api, http.MethodPost, "/api/v1/transfers", req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	req.MinOut = decimal.RequireFromString("0.40")
	w = doJSON(t, api, http.MethodPost, "/api/v1/transfers", req)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", w.Code, w.Body.String())
	}
}

func TestApiSubmitTransfer_MalformedBody(t *testing.T) {
	api, _ := newTestAPI(t)

	w := doRequest(t, api, http.MethodPost, "/api/v1/transfers", strings.NewReader("{not json"))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestApiSubmitTransfer_InvalidRequest(t *testing.T) {
	api, _ := newTestAPI(t)
	req := testTransferRequest("api-zero")
	req.Amount = decimal.Zero

	w := doJSON(t, api, http.MethodPost, "/api/v1/transfers", req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "amount") {
		t.Errorf("body = %s, want amount validation error", w.Body.String())
	}
}

func TestApiSubmitTransfer_UnknownAsset(t *testing.T) {
	api, _ := newTestAPI(t)
	req := testTransferRequest("api-doge")
	req.FromAsset = "DOGE"

	w := doJSON(t, api, http.MethodPost, "/api/v1/transfers", req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
	}
}

func TestApiGetTransfer(t *testing.T) {
	api, _ := newTestAPI(t)
	req := testTransferRequest("api-get")
	submitted := decodeRecord(t, doJSON(t, api, http.MethodPost, "/api/v1/transfers", req))

	w := doRequest(t, api, http.MethodGet, "/api/v1/transfers/"+submitted.Key, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	got := decodeRecord(t, w)
	if got.Key != submitted.Key {
		t.Errorf("key = %s, want %s", got.Key, submitted.Key)
	}
}

func TestApiGetTransfer_NotFound(t *testing.T) {
	api, _ := newTestAPI(t)

	w := doRequest(t, api, http.MethodGet, "/api/v1/transfers/deadbeef", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestApiListTransfers(t *testing.T) {
	api, store := newTestAPI(t)
	doJSON(t, api, http.MethodPost, "/api/v1/transfers", testTransferRequest("api-list-1"))
	doJSON(t, api, http.MethodPost, "/api/v1/transfers", testTransferRequest("api-list-2"))
	seedRecord(t, store, models.StateWithdrawSubmit, func(r *models.TransferRecord) {
		r.Fail(models.StageWithdraw, models.ReasonPermanent, "kaput", time.Now())
	})

	w := doRequest(t, api, http.MethodGet, "/api/v1/transfers", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var all []models.TransferRecord
	if err := json.NewDecoder(w.Body).Decode(&all); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("list size = %d, want 3", len(all))
	}

	w = doRequest(t, api, http.MethodGet, "/api/v1/transfers?active=true", nil)
	var active []models.TransferRecord
	if err := json.NewDecoder(w.Body).Decode(&active); err != nil {
		t.Fatalf("decode active list: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active size = %d, want 2", len(active))
	}
	for _, rec := range active {
		if rec.State.Terminal() {
			t.Errorf("active list contains terminal record %s", rec.Key)
		}
	}
}

func TestApiListTransfers_Empty(t *testing.T) {
	api, _ := newTestAPI(t)

	w := doRequest(t, api, http.MethodGet, "/api/v1/transfers", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("body = %s, want []", got)
	}
}

func TestApiCancelTransfer(t *testing.T) {
	api, _ := newTestAPI(t)
	req := testTransferRequest("api-cancel")
	submitted := decodeRecord(t, doJSON(t, api, http.MethodPost, "/api/v1/transfers", req))

	w := doRequest(t, api, http.MethodPost, "/api/v1/transfers/"+submitted.Key+"/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	got := decodeRecord(t, w)
	if !got.CancelRequested {
		t.Error("cancel flag not set on returned record")
	}
}

func TestApiCancelTransfer_TooLate(t *testing.T) {
	api, store := newTestAPI(t)
	rec := seedRecord(t, store, models.StateConvertSubmit, nil)

	w := doRequest(t, api, http.MethodPost, "/api/v1/transfers/"+rec.Key+"/cancel", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), string(models.StateConvertSubmit)) {
		t.Errorf("body = %s, want refusing state included", w.Body.String())
	}
}

func TestApiCancelTransfer_NotFound(t *testing.T) {
	api, _ := newTestAPI(t)

	w := doRequest(t, api, http.MethodPost, "/api/v1/transfers/deadbeef/cancel", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
