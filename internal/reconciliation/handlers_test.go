package reconciliation

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ridewallet/internal/auth"
	"github.com/mbd888/ridewallet/internal/logging"
	"github.com/mbd888/ridewallet/internal/wallet"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func router(t *testing.T, role auth.Role) *gin.Engine {
	t.Helper()
	f := newFixture()
	sweeper := NewSweeper(&stubLedger{wallets: []*wallet.Wallet{}}, logging.Discard())
	r := gin.New()
	g := r.Group("/v1", func(c *gin.Context) {
		c.Set(auth.ContextKeyClaims, &auth.Claims{UserID: "user-1", Role: role})
		c.Next()
	})
	NewHandler(f.svc, sweeper).RegisterRoutes(g)
	return r
}

func call(r *gin.Engine, method, path string, body any) (int, map[string]any) {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w.Code, out
}

func TestHandler_RunAndReview(t *testing.T) {
	r := router(t, auth.RoleAdmin)

	code, body := call(r, http.MethodPost, "/v1/reconciliations", RunRequestBody{TripID: "trip-1", ActualAmount: "40", Provider: "stripe"})
	require.Equal(t, http.StatusCreated, code, body)
	rec := body["reconciliation"].(map[string]any)
	assert.Equal(t, "manual_review", rec["status"])
	id := rec["id"].(string)

	code, body = call(r, http.MethodPost, "/v1/reconciliations/"+id+"/review", ReviewRequest{Status: "mismatched", Notes: "overpaid"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "mismatched", body["reconciliation"].(map[string]any)["status"])

	code, body = call(r, http.MethodGet, "/v1/reconciliations?status=mismatched", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])

	code, body = call(r, http.MethodPost, "/v1/ledger/sweep", nil)
	require.Equal(t, http.StatusOK, code)
	assert.NotNil(t, body["sweep"])
}

func TestHandler_Validation(t *testing.T) {
	r := router(t, auth.RoleAdmin)

	code, body := call(r, http.MethodPost, "/v1/reconciliations", RunRequestBody{TripID: "trip-1", Provider: "stripe"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_error", body["error"])

	code, _ = call(r, http.MethodPost, "/v1/reconciliations", RunRequestBody{TripID: "trip-1", ActualAmount: "abc", Provider: "stripe"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = call(r, http.MethodPost, "/v1/reconciliations/rc_1/review", ReviewRequest{Status: "manual_review"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHandler_RoleChecks(t *testing.T) {
	r := router(t, auth.RoleSupport)

	code, _ := call(r, http.MethodPost, "/v1/reconciliations", RunRequestBody{TripID: "trip-1", ActualAmount: "20", Provider: "stripe"})
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = call(r, http.MethodPost, "/v1/ledger/sweep", nil)
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = call(r, http.MethodGet, "/v1/reconciliations", nil)
	assert.Equal(t, http.StatusOK, code)
}
