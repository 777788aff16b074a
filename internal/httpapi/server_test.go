package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/timebank/internal/auth"
	"github.com/MarkoPoloResearchLab/timebank/internal/observability"
	"github.com/MarkoPoloResearchLab/timebank/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/timebank/pkg/timebank"
	"github.com/gin-gonic/gin"
)

type apiFixture struct {
	router        *gin.Engine
	authenticator *auth.Authenticator
}

func newAPIFixture(test *testing.T) apiFixture {
	test.Helper()
	metrics := observability.NewMetrics()
	service, err := timebank.NewService(memstore.New(), time.Now, timebank.WithOperationLogger(metrics))
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	authenticator, err := auth.NewAuthenticator("http-test-signing-key-0123", "timebank-test")
	if err != nil {
		test.Fatalf("new authenticator: %v", err)
	}
	router := NewRouter(Dependencies{
		Service:       service,
		Authenticator: authenticator,
		Metrics:       metrics,
	})
	return apiFixture{router: router, authenticator: authenticator}
}

func (setup apiFixture) token(test *testing.T, userID string, roles ...string) string {
	test.Helper()
	parsed, err := timebank.NewUserID(userID)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	token, err := setup.authenticator.IssueToken(parsed, roles...)
	if err != nil {
		test.Fatalf("issue token: %v", err)
	}
	return token
}

func (setup apiFixture) do(test *testing.T, method string, path string, token string, body any) (int, map[string]any) {
	test.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			test.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	setup.router.ServeHTTP(recorder, request)
	decoded := map[string]any{}
	if strings.HasPrefix(recorder.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
			test.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return recorder.Code, decoded
}

func errorCode(payload map[string]any) string {
	errorValue, _ := payload["error"].(map[string]any)
	code, _ := errorValue["code"].(string)
	return code
}

func nested(payload map[string]any, key string) map[string]any {
	value, _ := payload[key].(map[string]any)
	return value
}

func TestBookingLifecycleOverHTTP(t *testing.T) {
	t.Parallel()
	setup := newAPIFixture(t)
	clientToken := setup.token(t, "client-1")
	providerToken := setup.token(t, "provider-1")

	status, payload := setup.do(t, http.MethodPost, "/api/wallet/register", clientToken, nil)
	if status != http.StatusOK || nested(payload, "wallet")["available"] != "2.00" {
		t.Fatalf("register: status %d payload %v", status, payload)
	}

	status, payload = setup.do(t, http.MethodPost, "/api/bookings", clientToken, map[string]any{
		"provider_id": "provider-1",
		"listing_id":  "listing-7",
		"start_time":  "2026-03-04T10:00:00Z",
		"end_time":    "2026-03-04T11:00:00Z",
		"price":       "1.50",
	})
	if status != http.StatusCreated {
		t.Fatalf("create: status %d payload %v", status, payload)
	}
	booking := nested(payload, "booking")
	bookingID, _ := booking["booking_id"].(string)
	if booking["state"] != "pending" || nested(booking, "escrow")["amount"] != "1.50" {
		t.Fatalf("unexpected booking %v", booking)
	}

	status, payload = setup.do(t, http.MethodGet, "/api/wallet", clientToken, nil)
	wallet := nested(payload, "wallet")
	if status != http.StatusOK || wallet["available"] != "0.50" || wallet["escrow"] != "1.50" {
		t.Fatalf("wallet after hold: status %d payload %v", status, payload)
	}

	status, _ = setup.do(t, http.MethodPost, "/api/bookings/"+bookingID+"/accept", clientToken, nil)
	if status != http.StatusForbidden {
		t.Fatalf("client accept: expected 403, got %d", status)
	}
	status, payload = setup.do(t, http.MethodPost, "/api/bookings/"+bookingID+"/accept", providerToken, nil)
	if status != http.StatusOK || nested(payload, "booking")["state"] != "accepted" {
		t.Fatalf("accept: status %d payload %v", status, payload)
	}
	status, payload = setup.do(t, http.MethodPost, "/api/bookings/"+bookingID+"/accept", providerToken, nil)
	if status != http.StatusConflict || errorCode(payload) != "invalid_state" {
		t.Fatalf("second accept: status %d payload %v", status, payload)
	}
	status, payload = setup.do(t, http.MethodPost, "/api/bookings/"+bookingID+"/complete", clientToken, nil)
	if status != http.StatusOK || nested(payload, "booking")["state"] != "completed" {
		t.Fatalf("complete: status %d payload %v", status, payload)
	}

	status, payload = setup.do(t, http.MethodGet, "/api/wallet/balance", providerToken, nil)
	if status != http.StatusOK || payload["available"] != "1.50" {
		t.Fatalf("provider balance: status %d payload %v", status, payload)
	}

	status, payload = setup.do(t, http.MethodGet, "/api/wallet/transactions?page=1&pageSize=2", clientToken, nil)
	if status != http.StatusOK {
		t.Fatalf("history: status %d", status)
	}
	items, _ := payload["items"].([]any)
	if len(items) != 2 || payload["total_count"] != float64(3) || payload["total_pages"] != float64(2) {
		t.Fatalf("unexpected history %v", payload)
	}
	newest, _ := items[0].(map[string]any)
	if newest["type"] != "escrow_release" || newest["direction"] != "sent" || newest["partner_id"] != "provider-1" {
		t.Fatalf("unexpected newest entry %v", newest)
	}

	status, payload = setup.do(t, http.MethodGet, "/api/bookings/my", providerToken, nil)
	bookings, _ := payload["bookings"].([]any)
	if status != http.StatusOK || len(bookings) != 1 {
		t.Fatalf("my bookings: status %d payload %v", status, payload)
	}

	status, _ = setup.do(t, http.MethodGet, "/api/bookings/"+bookingID, setup.token(t, "stranger"), nil)
	if status != http.StatusForbidden {
		t.Fatalf("stranger get: expected 403, got %d", status)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	t.Parallel()
	setup := newAPIFixture(t)
	clientToken := setup.token(t, "client-1")

	cases := []struct {
		name       string
		method     string
		path       string
		token      string
		body       any
		wantStatus int
		wantCode   string
	}{
		{name: "missing token", method: http.MethodGet, path: "/api/wallet", wantStatus: http.StatusUnauthorized, wantCode: "unauthorized"},
		{name: "garbage token", method: http.MethodGet, path: "/api/wallet", token: "garbage", wantStatus: http.StatusUnauthorized, wantCode: "unauthorized"},
		{name: "unknown wallet", method: http.MethodGet, path: "/api/wallet", token: clientToken, wantStatus: http.StatusNotFound, wantCode: "not_found"},
		{name: "unknown booking", method: http.MethodPost, path: "/api/bookings/nope/accept", token: clientToken, wantStatus: http.StatusNotFound, wantCode: "not_found"},
		{
			name: "insufficient funds", method: http.MethodPost, path: "/api/bookings", token: clientToken,
			body: map[string]any{
				"provider_id": "provider-1", "listing_id": "listing-1",
				"start_time": "2026-03-04T10:00:00Z", "end_time": "2026-03-04T11:00:00Z", "price": "5.00",
			},
			wantStatus: http.StatusBadRequest, wantCode: "insufficient_funds",
		},
		{
			name: "self booking", method: http.MethodPost, path: "/api/bookings", token: clientToken,
			body: map[string]any{
				"provider_id": "client-1", "listing_id": "listing-1",
				"start_time": "2026-03-04T10:00:00Z", "end_time": "2026-03-04T11:00:00Z", "price": "1.00",
			},
			wantStatus: http.StatusBadRequest, wantCode: "invalid_input",
		},
		{name: "malformed body", method: http.MethodPost, path: "/api/bookings", token: clientToken, body: "nope", wantStatus: http.StatusBadRequest, wantCode: "invalid_payload"},
		{
			name: "admin role required", method: http.MethodPost, path: "/api/admin/credits", token: clientToken,
			body: map[string]any{"user_id": "client-1", "amount": "1.00"}, wantStatus: http.StatusForbidden, wantCode: "forbidden",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, payload := setup.do(t, tc.method, tc.path, tc.token, tc.body)
			if status != tc.wantStatus || errorCode(payload) != tc.wantCode {
				t.Fatalf("expected %d/%s, got %d/%v", tc.wantStatus, tc.wantCode, status, payload)
			}
		})
	}
}

func TestAdminCreditsAdjustment(t *testing.T) {
	t.Parallel()
	setup := newAPIFixture(t)
	adminToken := setup.token(t, "admin-1", auth.RoleAdmin)

	status, payload := setup.do(t, http.MethodPost, "/api/admin/credits", adminToken, map[string]any{
		"user_id": "client-9",
		"amount":  "3.25",
		"notes":   "refund for outage",
	})
	if status != http.StatusOK || nested(payload, "wallet")["available"] != "3.25" {
		t.Fatalf("adjust: status %d payload %v", status, payload)
	}

	status, payload = setup.do(t, http.MethodPost, "/api/admin/credits", adminToken, map[string]any{
		"user_id": "client-9",
		"amount":  "0",
	})
	if status != http.StatusBadRequest || errorCode(payload) != "invalid_input" {
		t.Fatalf("zero adjust: status %d payload %v", status, payload)
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	t.Parallel()
	setup := newAPIFixture(t)

	status, payload := setup.do(t, http.MethodGet, "/healthz", "", nil)
	if status != http.StatusOK || payload["status"] != "ok" {
		t.Fatalf("healthz: status %d payload %v", status, payload)
	}

	request := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	recorder := httptest.NewRecorder()
	setup.router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), "timebank_http_requests_total") {
		t.Fatalf("metrics: status %d body %q", recorder.Code, recorder.Body.String())
	}
}

func TestStatusForKind(t *testing.T) {
	t.Parallel()
	cases := map[timebank.ErrorKind]int{
		timebank.KindNotFound:          http.StatusNotFound,
		timebank.KindInvalidState:      http.StatusConflict,
		timebank.KindConflict:          http.StatusConflict,
		timebank.KindInsufficientFunds: http.StatusBadRequest,
		timebank.KindInvalidInput:      http.StatusBadRequest,
		timebank.KindUnauthorized:      http.StatusForbidden,
		timebank.KindInternal:          http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := statusForKind(kind); got != want {
			t.Fatalf("%s: expected %d, got %d", kind, want, got)
		}
	}
}
