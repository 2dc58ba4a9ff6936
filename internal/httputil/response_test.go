package httputil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	svcerrors "github.com/R3E-Network/sessionpay/internal/errors"
)

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var env APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return env
}

func TestWriteSuccess(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteSuccess(rec, http.StatusCreated, map[string]string{"k": "v"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if !env.Success || env.Version != APIVersion || env.Timestamp.IsZero() {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestWriteErrorUsesServiceStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, svcerrors.New(svcerrors.CodeRefundTooSoon, "refund delay has not elapsed", 425).WithOp("refund"))
	if rec.Code != 425 {
		t.Fatalf("status = %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Success || env.Code != "REFUND_TOO_SOON" || env.Error != "refund delay has not elapsed" {
		t.Fatalf("unexpected envelope %+v", env)
	}
}

func TestWriteErrorHidesInternalCause(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, errors.New("pq: connection refused"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "connection refused") {
		t.Fatalf("internal cause leaked: %s", rec.Body.String())
	}
	if env := decodeEnvelope(t, rec); env.Code != "INTERNAL_ERROR" {
		t.Fatalf("code = %s", env.Code)
	}
}

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x"}`))
	if err := DecodeJSON(req, &dst); err != nil || dst.Name != "x" {
		t.Fatalf("decode: %v %+v", err, dst)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"other":1}`))
	if err := DecodeJSON(req, &dst); svcerrors.CodeOf(err) != svcerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	if err := DecodeJSON(req, &dst); err != nil {
		t.Fatalf("empty body should be accepted: %v", err)
	}
}
