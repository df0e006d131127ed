package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/craftline/conductor/internal/config"
	"github.com/craftline/conductor/internal/entity"
	"github.com/craftline/conductor/internal/flows"
	"github.com/craftline/conductor/internal/link"
	"github.com/craftline/conductor/internal/workflow"
)

type harness struct {
	server   *Server
	engine   *workflow.Engine
	entities entity.Repository
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	entities := entity.NewMemoryRepository()
	links := link.NewService(link.NewMemoryStore(), entities, zap.NewNop())
	reg := workflow.NewRegistry()
	require.NoError(t, flows.Register(reg, flows.Deps{Entities: entities, Links: links, Logger: zap.NewNop()}))
	eng := workflow.NewEngine(reg, workflow.NewMemoryStore(), workflow.NewMemoryLock(), zap.NewNop())
	server := NewServer(config.Default(), zap.NewNop(), eng, entities, links)
	return &harness{server: server, engine: eng, entities: entities}
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.server.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (h *harness) startOrderRun(t *testing.T) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/v1/workflows/"+flows.WorkflowSendInventoryOrder+"/runs",
		`{"order_id":"o1","partner_id":"p1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	require.Equal(t, string(workflow.StatusSuspended), body["status"])
	return body["transaction_id"].(string)
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestListWorkflows(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/v1/workflows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	items := body["items"].([]any)
	assert.Contains(t, items, flows.WorkflowSendInventoryOrder)
	assert.Contains(t, items, flows.WorkflowDispatchProductionRun)
	assert.Contains(t, items, flows.WorkflowCompleteDesign)
}

func TestStartRunSuspends(t *testing.T) {
	h := newHarness(t)
	txID := h.startOrderRun(t)
	assert.NotEmpty(t, txID)
}

func TestStartRunUnknownWorkflow(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/workflows/nonexistent/runs", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartRunInvalidInput(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/workflows/"+flows.WorkflowSendInventoryOrder+"/runs",
		`{"order_id":"o1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTransaction(t *testing.T) {
	h := newHarness(t)
	txID := h.startOrderRun(t)

	rec := h.do(t, http.MethodGet, "/v1/transactions/"+txID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, txID, body["transaction_id"])
	assert.Equal(t, string(workflow.StatusSuspended), body["status"])
	assert.Equal(t, flows.StepNotifyPartner, body["suspended_step"])
	assert.Equal(t, float64(2), body["steps_done"])
	assert.Equal(t, float64(5), body["steps_total"])
}

func TestGetTransactionUnknown(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodGet, "/v1/transactions/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTransactionsFilter(t *testing.T) {
	h := newHarness(t)
	h.startOrderRun(t)

	rec := h.do(t, http.MethodGet, "/v1/transactions?workflow_id="+flows.WorkflowSendInventoryOrder+"&status=suspended", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["items"].([]any), 1)

	rec = h.do(t, http.MethodGet, "/v1/transactions?status=completed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Empty(t, body["items"])
}

func TestTransactionLogs(t *testing.T) {
	h := newHarness(t)
	txID := h.startOrderRun(t)

	rec := h.do(t, http.MethodGet, "/v1/transactions/"+txID+"/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.NotEmpty(t, body["items"])
}

func TestSignalStepSuccess(t *testing.T) {
	h := newHarness(t)
	txID := h.startOrderRun(t)

	rec := h.do(t, http.MethodPost,
		"/v1/transactions/"+txID+"/steps/"+flows.StepNotifyPartner+"/success",
		`{"lines":[{"sku":"FAB-1","quantity":2}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, string(workflow.StatusCompleted), body["status"])
}

func TestSignalStepSuccessTwiceConflicts(t *testing.T) {
	h := newHarness(t)
	txID := h.startOrderRun(t)
	path := "/v1/transactions/" + txID + "/steps/" + flows.StepNotifyPartner + "/success"

	rec := h.do(t, http.MethodPost, path, `{"lines":[]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodPost, path, `{"lines":[]}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSignalStepFailure(t *testing.T) {
	h := newHarness(t)
	txID := h.startOrderRun(t)

	rec := h.do(t, http.MethodPost,
		"/v1/transactions/"+txID+"/steps/"+flows.StepNotifyPartner+"/failure",
		`{"reason":"partner declined"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, string(workflow.StatusReverted), body["status"])
	errs := body["errors"].([]any)
	assert.Contains(t, errs[0], "partner declined")
}

func TestPartnerOrderComplete(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.entities.Create(context.Background(), orderEntity("o1")))
	h.startOrderRun(t)

	rec := h.do(t, http.MethodPost, "/v1/partners/inventory-orders/o1/complete",
		`{"lines":[{"sku":"FAB-1","quantity":2}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, string(workflow.StatusCompleted), body["status"])

	order, err := h.entities.Get(context.Background(), entity.Ref{Type: flows.EntityInventoryOrder, ID: "o1"})
	require.NoError(t, err)
	assert.Equal(t, "completed", order.Attributes["status"])
}

func TestPartnerOrderReject(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.entities.Create(context.Background(), orderEntity("o1")))
	h.startOrderRun(t)

	rec := h.do(t, http.MethodPost, "/v1/partners/inventory-orders/o1/reject",
		`{"reason":"out of stock"}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, string(workflow.StatusReverted), body["status"])
}

func TestPartnerOrderUnlinkedEntity(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.entities.Create(context.Background(), orderEntity("lonely")))

	rec := h.do(t, http.MethodPost, "/v1/partners/inventory-orders/lonely/complete", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPartnerOrderUnknownEntity(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/v1/partners/inventory-orders/ghost/complete", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDesignEvents(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/v1/workflows/"+flows.WorkflowCompleteDesign+"/runs",
		`{"design_id":"d1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// The design entity does not exist yet; the transaction is reachable
	// through the review task link once the design record is created by the
	// report step, so the first event goes through the direct signal surface.
	txID := decode(t, rec)["transaction_id"].(string)
	rec = h.do(t, http.MethodPost,
		"/v1/transactions/"+txID+"/steps/"+flows.StepAwaitInventoryReport+"/success",
		`{"consumed":[]}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Now the design exists and carries the link path; sign-off resolves the
	// remaining gate by probing.
	rec = h.do(t, http.MethodPost, "/v1/designs/d1/complete", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(workflow.StatusCompleted), decode(t, rec)["status"])
}

func TestStatusForMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{workflow.NewValidationError("f", "bad"), http.StatusBadRequest},
		{link.ErrNotAssignedToWorkflow, http.StatusBadRequest},
		{workflow.NewWorkflowNotFoundError("wf"), http.StatusNotFound},
		{workflow.NewTransactionNotFoundError("tx", "wf"), http.StatusNotFound},
		{entity.ErrNotFound, http.StatusNotFound},
		{workflow.NewStepNotSuspendedError(workflow.IdempotencyKey{}, workflow.StepDone), http.StatusConflict},
		{errors.New("anything else"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err))
	}
}

func orderEntity(id string) *entity.Entity {
	e := entity.New(flows.EntityInventoryOrder)
	e.Ref = entity.Ref{Type: flows.EntityInventoryOrder, ID: id}
	e.Attributes["status"] = "open"
	return e
}
