package payout

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/ridewallet/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(t *testing.T, role auth.Role) (*gin.Engine, *fixture) {
	t.Helper()
	f := newFixture(t)
	r := gin.New()
	g := r.Group("/v1", func(c *gin.Context) {
		c.Set(auth.ContextKeyClaims, &auth.Claims{UserID: "user-1", Role: role})
		c.Next()
	})
	NewHandler(f.svc, 0).RegisterRoutes(g)
	return r, f
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHandler_InitiateAndProcess(t *testing.T) {
	r, f := setupRouter(t, auth.RoleFinanceFull)
	wal := f.driverWallet(t, "driver-1", "100")

	w := doJSON(r, http.MethodPost, "/v1/payouts", InitiatePayoutRequest{
		WalletID: wal.ID, Amount: "60", Method: "bank_transfer", Destination: "acct_1", CountryCode: "KE",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decode(t, w)["payout"].(map[string]any)["id"].(string)

	w = doJSON(r, http.MethodPost, "/v1/payouts/"+id+"/process", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "paid", decode(t, w)["payout"].(map[string]any)["status"])

	w = doJSON(r, http.MethodPost, "/v1/payouts/"+id+"/process", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_state", decode(t, w)["error"])

	w = doJSON(r, http.MethodGet, "/v1/payouts?status=paid", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])
}

func TestHandler_ProcessUnknownOutcomeIsAccepted(t *testing.T) {
	r, f := setupRouter(t, auth.RoleSystem)
	wal := f.driverWallet(t, "driver-1", "100")
	p := f.initiate(t, wal.ID, "10")

	f.gw.ErrorNext(errors.New("timeout"))
	w := doJSON(r, http.MethodPost, "/v1/payouts/"+p.ID+"/process", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, "processing", decode(t, w)["payout"].(map[string]any)["status"])

	w = doJSON(r, http.MethodPost, "/v1/payouts/resolve-stuck?olderThan=0s", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(r, http.MethodPost, "/v1/payouts/resolve-stuck?olderThan=soon", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_InitiateValidation(t *testing.T) {
	r, f := setupRouter(t, auth.RoleAdmin)
	wal := f.driverWallet(t, "driver-1", "100")

	w := doJSON(r, http.MethodPost, "/v1/payouts", InitiatePayoutRequest{WalletID: wal.ID, Amount: "10", Method: "cheque", Destination: "a"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", decode(t, w)["error"])

	w = doJSON(r, http.MethodPost, "/v1/payouts", InitiatePayoutRequest{WalletID: wal.ID, Amount: "500", Method: "bank_transfer", Destination: "a"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/payouts?status=done", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_RolesAndReverse(t *testing.T) {
	r, f := setupRouter(t, auth.RoleSupport)
	wal := f.driverWallet(t, "driver-1", "100")
	p := f.initiate(t, wal.ID, "30")

	w := doJSON(r, http.MethodPost, "/v1/payouts/"+p.ID+"/process", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/payouts/"+p.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	adminRouter, af := setupRouter(t, auth.RoleAdmin)
	aw := af.driverWallet(t, "driver-1", "100")
	ap := af.initiate(t, aw.ID, "30")
	w = doJSON(adminRouter, http.MethodPost, "/v1/payouts/"+ap.ID+"/reverse", ReverseRequest{Reason: "bounced"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(adminRouter, http.MethodPost, "/v1/payouts/"+ap.ID+"/process", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = doJSON(adminRouter, http.MethodPost, "/v1/payouts/"+ap.ID+"/reverse", ReverseRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = doJSON(adminRouter, http.MethodPost, "/v1/payouts/"+ap.ID+"/reverse", ReverseRequest{Reason: "bounced"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "reversed", decode(t, w)["payout"].(map[string]any)["status"])
}
