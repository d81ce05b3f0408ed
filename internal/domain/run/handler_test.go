package run

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/migrate/internal/platform/auth"
)

func newTestHandler(t *testing.T) (*Handler, *echo.Echo, *testEnv) {
	t.Helper()
	env := newTestEnv(t, &stubProposer{spec: patientsSpec()})
	return NewHandler(env.svc), echo.New(), env
}

func httpError(t *testing.T, err error) *echo.HTTPError {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %T: %v", err, err)
	}
	return he
}

func TestHandler_CreateRun(t *testing.T) {
	h, e, _ := newTestHandler(t)

	body := `{"vendor":"dentrix","sourceKind":"flatfile"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreateRun(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var rn Run
	if err := json.Unmarshal(rec.Body.Bytes(), &rn); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if rn.ID == uuid.Nil || rn.Status != StatusPending || rn.Vendor != "dentrix" {
		t.Errorf("unexpected run: %+v", rn)
	}
}

// scopeToVendors attaches a restricted vendors claim to the request, as the
// auth middleware does for a scoped service token.
func scopeToVendors(req *http.Request, vendors ...string) *http.Request {
	ctx := context.WithValue(req.Context(), auth.VendorsKey, vendors)
	return req.WithContext(ctx)
}

func TestHandler_CreateRun_VendorOutsideTokenScope(t *testing.T) {
	h, e, _ := newTestHandler(t)

	body := `{"vendor":"opendental","sourceKind":"flatfile"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = scopeToVendors(req, "dentrix")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	he := httpError(t, h.CreateRun(c))
	if he.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", he.Code)
	}
}

func TestHandler_CreateRun_VendorInsideTokenScope(t *testing.T) {
	h, e, _ := newTestHandler(t)

	body := `{"vendor":"dentrix","sourceKind":"flatfile"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = scopeToVendors(req, "dentrix", "eaglesoft")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreateRun(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
}

func TestHandler_StartRun_VendorOutsideTokenScope(t *testing.T) {
	h, e, env := newTestHandler(t)

	rn, err := env.svc.CreateRun(context.Background(), "dentrix", "flatfile")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/"+rn.ID.String()+"/start", nil)
	req = scopeToVendors(req, "opendental")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(rn.ID.String())

	he := httpError(t, h.StartRun(c))
	if he.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", he.Code)
	}
}

func TestHandler_ApproveMapping_VendorOutsideTokenScope(t *testing.T) {
	h, e, env := newTestHandler(t)

	rn, err := env.svc.CreateRun(context.Background(), "dentrix", "flatfile")
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/"+rn.ID.String()+"/mapping/approve", nil)
	req = scopeToVendors(req, "opendental")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(rn.ID.String())

	he := httpError(t, h.ApproveMapping(c))
	if he.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", he.Code)
	}
}

func TestHandler_CreateRun_UnknownKind(t *testing.T) {
	h, e, _ := newTestHandler(t)

	body := `{"vendor":"dentrix","sourceKind":"soap"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	he := httpError(t, h.CreateRun(c))
	if he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", he.Code)
	}
}

func TestHandler_GetRun_NotFound(t *testing.T) {
	h, e, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(uuid.NewString())

	he := httpError(t, h.GetRun(c))
	if he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", he.Code)
	}
}

func TestHandler_GetRun_InvalidID(t *testing.T) {
	h, e, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")

	he := httpError(t, h.GetRun(c))
	if he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", he.Code)
	}
}

func TestHandler_UploadArtifactAndAdvance(t *testing.T) {
	h, e, env := newTestHandler(t)
	rn := env.newRun(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "patients.csv")
	if err != nil {
		t.Fatalf("creating form file: %v", err)
	}
	if _, err := fw.Write([]byte(patientsCSV)); err != nil {
		t.Fatalf("writing form file: %v", err)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/"+rn.ID.String()+"/artifacts", &buf)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(rn.ID.String())

	if err := h.UploadArtifact(c); err != nil {
		t.Fatalf("UploadArtifact: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/runs/"+rn.ID.String()+"/phases/profile", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("id", "phase")
	c.SetParamValues(rn.ID.String(), PhaseProfile)

	if err := h.AdvancePhase(c); err != nil {
		t.Fatalf("AdvancePhase: %v", err)
	}
	var updated Run
	if err := json.Unmarshal(rec.Body.Bytes(), &updated); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(updated.Phases) != 1 || !updated.Phases[0].Passed {
		t.Errorf("expected one passed phase, got %+v", updated.Phases)
	}
}

func TestHandler_AdvancePhase_OutOfOrder(t *testing.T) {
	h, e, env := newTestHandler(t)
	rn := env.newRun(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/"+rn.ID.String()+"/phases/promote", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id", "phase")
	c.SetParamValues(rn.ID.String(), PhasePromote)

	he := httpError(t, h.AdvancePhase(c))
	if he.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", he.Code)
	}
}

func TestHandler_ApproveMapping_BeforeDraft(t *testing.T) {
	h, e, env := newTestHandler(t)
	rn := env.newRun(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/runs/"+rn.ID.String()+"/mapping/approve", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(rn.ID.String())

	he := httpError(t, h.ApproveMapping(c))
	if he.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", he.Code)
	}
}

func TestHandler_GetReport_NotReady(t *testing.T) {
	h, e, env := newTestHandler(t)
	rn := env.newRun(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+rn.ID.String()+"/report", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(rn.ID.String())

	he := httpError(t, h.GetReport(c))
	if he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", he.Code)
	}
}

func TestHandler_ListRuns_Paginated(t *testing.T) {
	h, e, env := newTestHandler(t)
	for i := 0; i < 3; i++ {
		env.newRun(t)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs?limit=2", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.ListRuns(c); err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	var resp struct {
		Total int               `json:"total"`
		Data  []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Total != 3 || len(resp.Data) != 2 {
		t.Errorf("expected total=3 page=2, got total=%d page=%d", resp.Total, len(resp.Data))
	}
}
