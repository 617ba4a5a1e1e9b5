package handlers

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/palmpay/internal/auth"
	"github.com/example/palmpay/internal/authn"
	"github.com/example/palmpay/internal/wallet"
)

const (
	testSecret   = "test-secret"
	testAudience = "palmpay"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	// Request validation runs before either dependency is touched; the
	// tests below only exercise those early paths.
	engine := &authn.Engine{}
	ledger := wallet.NewLedger(nil, zap.NewNop())
	RegisterRoutes(router, engine, ledger, auth.JWTMiddleware(testSecret, testAudience))
	return router
}

func buildTestToken(t *testing.T, subject, audience, secret string) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return token
}

func buildImageForm(t *testing.T, payload []byte, contentType string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="palm.png"`)
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create form part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write form part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close form writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAuthenticateRequiresImage(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/authenticate",
		strings.NewReader(url.Values{"unused": {"x"}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without image, got %d", w.Code)
	}
}

func TestAuthenticateRejectsOversizedImage(t *testing.T) {
	router := newTestRouter(t)

	body, contentType := buildImageForm(t, bytes.Repeat([]byte{0xAB}, MaxUploadSize+1), "image/png")
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/authenticate", body)
	req.Header.Set("Content-Type", contentType)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for oversized upload, got %d", w.Code)
	}
}

func TestAuthenticateRejectsUnsupportedMediaType(t *testing.T) {
	router := newTestRouter(t)

	body, contentType := buildImageForm(t, []byte("not an image"), "text/plain")
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/authenticate", body)
	req.Header.Set("Content-Type", contentType)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415 for non-image payload, got %d", w.Code)
	}
}

func TestWalletEndpointsRequireToken(t *testing.T) {
	router := newTestRouter(t)

	requests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/enroll"},
		{http.MethodPost, "/wallet/deposit"},
		{http.MethodPost, "/wallet/withdraw"},
		{http.MethodPost, "/wallet/validate"},
		{http.MethodPost, "/wallet/refund"},
		{http.MethodGet, "/wallet/balance"},
		{http.MethodGet, "/wallet/history"},
	}
	for _, r := range requests {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(r.method, r.path, nil)
		router.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s: expected 401 without token, got %d", r.method, r.path, w.Code)
		}
	}
}

func TestWalletRejectsWrongSecret(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/wallet/balance", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "alice", testAudience, "wrong-secret"))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged token, got %d", w.Code)
	}
}

func TestWalletRejectsWrongAudience(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/wallet/balance", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "alice", "other-service", testSecret))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong audience, got %d", w.Code)
	}
}

func TestDepositRequiresAmount(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/wallet/deposit",
		strings.NewReader(url.Values{"memo": {"no amount"}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "alice", testAudience, testSecret))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without amount, got %d", w.Code)
	}
}

func TestDepositRejectsMalformedAmount(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/wallet/deposit",
		strings.NewReader(url.Values{"amount": {"ten dollars"}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "alice", testAudience, testSecret))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed amount, got %d", w.Code)
	}
}

func TestPayRequiresRecipient(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/wallet/pay",
		strings.NewReader(url.Values{"amount": {"5"}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without recipient, got %d", w.Code)
	}
}

func TestRefundRequiresTransactionID(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/wallet/refund",
		strings.NewReader(url.Values{"reason": {"oops"}}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "alice", testAudience, testSecret))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without transaction_id, got %d", w.Code)
	}
}

func TestHistoryRejectsInvalidLimit(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/wallet/history?limit=zero", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "alice", testAudience, testSecret))
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid limit, got %d", w.Code)
	}
}
