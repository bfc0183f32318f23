package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptopay/internal/common/money"
	"cryptopay/internal/invoice"
	"cryptopay/internal/invoice/domain"
	"cryptopay/internal/invoice/notify"
)

type fakeService struct {
	created   []invoice.CreateInvoiceRequest
	invoices  map[string]*domain.Invoice
	createErr error
	cancelled []string
	nudged    []string
}

func newFakeService() *fakeService {
	return &fakeService{invoices: make(map[string]*domain.Invoice)}
}

func (s *fakeService) CreateInvoice(ctx context.Context, req invoice.CreateInvoiceRequest) (*domain.Invoice, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.created = append(s.created, req)
	inv := &domain.Invoice{
		ID:       req.InvoiceID,
		Required: money.Sats(req.AmountMinor),
		Network:  domain.Network(req.Network),
		Purpose:  domain.Purpose(req.Purpose),
		State:    domain.StatePending,
	}
	s.invoices[inv.ID] = inv
	return inv, nil
}

func (s *fakeService) GetStatus(ctx context.Context, id string) (*invoice.Status, error) {
	inv, ok := s.invoices[id]
	if !ok {
		return nil, fmt.Errorf("get invoice %s: %w", id, domain.ErrNotFound)
	}
	return &invoice.Status{InvoiceID: inv.ID, State: inv.State, Required: inv.Required, History: []domain.Transition{}}, nil
}

func (s *fakeService) ListTransitions(ctx context.Context, id string) ([]domain.Transition, error) {
	if _, ok := s.invoices[id]; !ok {
		return nil, fmt.Errorf("list transitions %s: %w", id, domain.ErrNotFound)
	}
	return nil, nil
}

func (s *fakeService) CancelWatch(ctx context.Context, id string) error {
	if _, ok := s.invoices[id]; !ok {
		return domain.ErrNotFound
	}
	s.cancelled = append(s.cancelled, id)
	return nil
}

func (s *fakeService) Nudge(id string) bool {
	s.nudged = append(s.nudged, id)
	_, ok := s.invoices[id]
	return ok
}

func newTestServer(t *testing.T, svc Service, keys map[string]string, hintSecret string) *httptest.Server {
	t.Helper()
	h := NewHandler(svc, keys, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if hintSecret != "" {
		h.SetHintSecret(hintSecret)
	}
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string, header map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(data, &out), string(data))
	}
	return resp, out
}

func TestCreateInvoice(t *testing.T) {
	svc := newFakeService()
	srv := newTestServer(t, svc, nil, "")

	resp, body := do(t, http.MethodPost, srv.URL+"/", `{
		"invoice_id": "INV-1",
		"amount_minor": 100000,
		"network": "regtest",
		"purpose": "onchain",
		"expiry_seconds": 900,
		"min_confirmations": 0
	}`, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	data := body["data"].(map[string]any)
	assert.Equal(t, "INV-1", data["id"])
	assert.Equal(t, "pending", data["state"])

	require.Len(t, svc.created, 1)
	assert.Equal(t, 15*time.Minute, svc.created[0].ExpiryWindow)
	require.NotNil(t, svc.created[0].MinConfirmations)
	assert.Equal(t, int64(0), *svc.created[0].MinConfirmations)
}

func TestCreateInvoiceValidation(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing amount", `{"network":"regtest","purpose":"onchain"}`, "amount_minor"},
		{"unknown network", `{"amount_minor":1,"network":"dogecoin","purpose":"onchain"}`, "network"},
		{"unknown purpose", `{"amount_minor":1,"network":"regtest","purpose":"cash"}`, "purpose"},
		{"bad invoice id", `{"invoice_id":"with space","amount_minor":1,"network":"regtest","purpose":"onchain"}`, "invoice_id"},
		{"negative depth", `{"amount_minor":1,"network":"regtest","purpose":"onchain","min_confirmations":-2}`, "min_confirmations"},
		// 18446744974s wraps to about 15 minutes as a time.Duration.
		{"expiry beyond a year", `{"amount_minor":1,"network":"regtest","purpose":"onchain","expiry_seconds":18446744974}`, "expiry_seconds"},
	}

	srv := newTestServer(t, newFakeService(), nil, "")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, srv.URL+"/", tt.body, nil)
			require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
			details := body["error"].(map[string]any)["details"].(map[string]any)
			assert.Contains(t, details, tt.field)
		})
	}
}

func TestCreateInvoiceMalformedBody(t *testing.T) {
	srv := newTestServer(t, newFakeService(), nil, "")

	resp, _ := do(t, http.MethodPost, srv.URL+"/", `{"amount_minor":`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := do(t, http.MethodPost, srv.URL+"/", `{"amount_minor":"ten","network":"regtest","purpose":"onchain"}`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"].(map[string]any)["details"], "amount_minor")

	resp, _ = do(t, http.MethodPost, srv.URL+"/", `{"amount_minor":1,"network":"regtest","purpose":"onchain","currency":"usd"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestCreateInvoiceErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"conflict", fmt.Errorf("create invoice INV-1: %w", domain.ErrAlreadyExists), http.StatusConflict},
		{"bad expiry", fmt.Errorf("%w: 1s", invoice.ErrInvalidExpiry), http.StatusBadRequest},
		{"internal", fmt.Errorf("allocate destination: connection refused"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			svc.createErr = tt.err
			srv := newTestServer(t, svc, nil, "")

			resp, body := do(t, http.MethodPost, srv.URL+"/", `{"amount_minor":1,"network":"regtest","purpose":"onchain"}`, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.status == http.StatusInternalServerError {
				assert.NotContains(t, body["error"].(map[string]any)["message"], "connection refused")
			}
		})
	}
}

func TestGetStatusAndTransitions(t *testing.T) {
	svc := newFakeService()
	svc.invoices["INV-1"] = &domain.Invoice{ID: "INV-1", Required: money.Sats(5), State: domain.StateVerifying}
	srv := newTestServer(t, svc, nil, "")

	resp, body := do(t, http.MethodGet, srv.URL+"/INV-1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "verifying", body["data"].(map[string]any)["state"])

	resp, body = do(t, http.MethodGet, srv.URL+"/INV-1/transitions", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["data"])

	resp, _ = do(t, http.MethodGet, srv.URL+"/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelWatchRequiresKey(t *testing.T) {
	svc := newFakeService()
	svc.invoices["INV-1"] = &domain.Invoice{ID: "INV-1"}
	srv := newTestServer(t, svc, map[string]string{"ops": "k3y"}, "")

	resp, _ := do(t, http.MethodDelete, srv.URL+"/INV-1/watch", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/INV-1/watch", "", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, svc.cancelled)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/INV-1/watch", "", map[string]string{"Authorization": "ApiKey k3y"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"INV-1"}, svc.cancelled)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/missing/watch", "", map[string]string{"Authorization": "Bearer k3y"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHint(t *testing.T) {
	svc := newFakeService()
	svc.invoices["INV-1"] = &domain.Invoice{ID: "INV-1"}
	srv := newTestServer(t, svc, nil, "hint-secret")

	body := `{"invoice_id":"INV-1","txid":"abcd"}`
	sig := notify.Sign([]byte("hint-secret"), []byte(body))

	resp, out := do(t, http.MethodPost, srv.URL+"/webhooks/hint", body, map[string]string{notify.SignatureHeader: sig})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, out["data"].(map[string]any)["nudged"])
	assert.Equal(t, []string{"INV-1"}, svc.nudged)

	resp, _ = do(t, http.MethodPost, srv.URL+"/webhooks/hint", body, map[string]string{notify.SignatureHeader: strings.Repeat("0", len(sig))})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/webhooks/hint", body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Len(t, svc.nudged, 1)

	unknown := `{"invoice_id":"INV-9"}`
	resp, out = do(t, http.MethodPost, srv.URL+"/webhooks/hint", unknown,
		map[string]string{notify.SignatureHeader: notify.Sign([]byte("hint-secret"), []byte(unknown))})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, false, out["data"].(map[string]any)["nudged"])
}

func TestHintDisabledWithoutSecret(t *testing.T) {
	srv := newTestServer(t, newFakeService(), nil, "")

	resp, _ := do(t, http.MethodPost, srv.URL+"/webhooks/hint", `{"invoice_id":"INV-1"}`, nil)
	assert.NotEqual(t, http.StatusAccepted, resp.StatusCode)
}
