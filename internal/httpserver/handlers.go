package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/craftline/conductor/internal/entity"
	"github.com/craftline/conductor/internal/flows"
	"github.com/craftline/conductor/internal/link"
	"github.com/craftline/conductor/internal/workflow"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("content-type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("# metrics are exported over OTLP\n"))
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ids := s.engine.Registry().List()
	sort.Strings(ids)
	writeJSON(w, http.StatusOK, map[string]any{"items": ids})
}

func (s *Server) handleWorkflowRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/workflows/")
	parts := strings.Split(path, "/")
	if len(parts) == 2 && parts[1] == "runs" && r.Method == http.MethodPost {
		s.handleStartRun(w, r, parts[0])
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request, workflowID string) {
	body := readBody(r)
	res, err := s.engine.Run(r.Context(), workflowID, body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeRunResult(w, res)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	filter := workflow.TransactionFilter{
		WorkflowID: r.URL.Query().Get("workflow_id"),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			filter.Status = append(filter.Status, workflow.Status(strings.TrimSpace(raw)))
		}
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		filter.Limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil {
		filter.Offset = v
	}
	txs, err := s.engine.Store().Query(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(txs))
	for _, tx := range txs {
		items = append(items, transactionView(tx))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleTransactionRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/transactions/")
	parts := strings.Split(path, "/")
	if parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	txID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleGetTransaction(w, r, txID)
	case len(parts) == 2 && parts[1] == "logs" && r.Method == http.MethodGet:
		s.handleLogs(w, r, txID)
	case len(parts) == 3 && parts[1] == "logs" && parts[2] == "stream" && r.Method == http.MethodGet:
		s.handleLogStream(w, r, txID)
	case len(parts) == 4 && parts[1] == "steps" && r.Method == http.MethodPost:
		s.handleSignalStep(w, r, txID, parts[2], parts[3])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request, txID string) {
	tx, err := s.engine.Store().GetTransaction(r.Context(), txID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, transactionView(tx))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request, txID string) {
	logs, err := s.engine.Store().ListLogs(r.Context(), txID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": logs})
}

func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request, txID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	lastIdx := 0
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			logs, err := s.engine.Store().ListLogs(r.Context(), txID)
			if err != nil {
				return
			}
			for lastIdx < len(logs) {
				_, _ = w.Write([]byte("data: " + logs[lastIdx] + "\n\n"))
				flusher.Flush()
				lastIdx++
			}
		}
	}
}

// handleSignalStep is the direct signal surface: the caller already knows the
// transaction and step ids.
func (s *Server) handleSignalStep(w http.ResponseWriter, r *http.Request, txID, stepID, outcome string) {
	tx, err := s.engine.Store().GetTransaction(r.Context(), txID)
	if err != nil {
		writeError(w, err)
		return
	}
	key := workflow.IdempotencyKey{
		WorkflowID:    tx.WorkflowID,
		TransactionID: txID,
		StepID:        stepID,
		Action:        workflow.ActionInvoke,
	}

	switch outcome {
	case "success":
		res, err := s.engine.SetStepSuccess(r.Context(), key, readBody(r))
		if err != nil {
			writeError(w, err)
			return
		}
		writeRunResult(w, res)
	case "failure":
		var body struct {
			Response json.RawMessage `json:"response"`
			Reason   string          `json:"reason"`
		}
		_ = json.Unmarshal(readBody(r), &body)
		var cause error
		if body.Reason != "" {
			cause = errors.New(body.Reason)
		}
		res, err := s.engine.SetStepFailure(r.Context(), key, body.Response, cause)
		if err != nil {
			writeError(w, err)
			return
		}
		writeRunResult(w, res)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// handlePartnerOrderRoutes resumes workflows from partner actions scoped to
// an inventory order: the transaction id is discovered through the order's
// link graph, then the plausible gates are probed.
func (s *Server) handlePartnerOrderRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/partners/inventory-orders/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	ref := entity.Ref{Type: flows.EntityInventoryOrder, ID: parts[0]}

	switch parts[1] {
	case "start":
		s.probeEntityGates(w, r, ref, flows.PartnerStartGates)
	case "complete":
		s.probeEntityGates(w, r, ref, flows.PartnerCompleteGates)
	case "reject":
		s.rejectSuspended(w, r, ref)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// handleDesignRoutes resumes the design-completion workflow from design
// events. The gates are mutually exclusive; all are probed.
func (s *Server) handleDesignRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/designs/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	ref := entity.Ref{Type: flows.EntityDesign, ID: parts[0]}

	switch parts[1] {
	case "inventory-report", "complete":
		s.probeEntityGates(w, r, ref, flows.DesignGates)
	case "redo":
		s.rejectSuspended(w, r, ref)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) probeEntityGates(w http.ResponseWriter, r *http.Request, ref entity.Ref, gates []flows.GateKey) {
	txID, err := s.links.FindTransactionID(r.Context(), ref, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	res, gate, ok, err := flows.ProbeGates(r.Context(), s.engine, gates, txID, readBody(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":          "no gate is currently suspended for this transaction",
			"transaction_id": txID,
		})
		return
	}
	s.logger.Info("gate resumed by external signal",
		zap.String("transaction_id", txID),
		zap.String("workflow_id", gate.WorkflowID),
		zap.String("step_id", gate.StepID))
	writeRunResult(w, res)
}

// rejectSuspended fails whatever step the discovered transaction is
// suspended at, triggering compensation.
func (s *Server) rejectSuspended(w http.ResponseWriter, r *http.Request, ref entity.Ref) {
	txID, err := s.links.FindTransactionID(r.Context(), ref, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	tx, err := s.engine.Store().GetTransaction(r.Context(), txID)
	if err != nil {
		writeError(w, err)
		return
	}
	st := tx.SuspendedStep()
	if st == nil {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":          "transaction is not suspended",
			"transaction_id": txID,
		})
		return
	}
	var body struct {
		Response json.RawMessage `json:"response"`
		Reason   string          `json:"reason"`
	}
	_ = json.Unmarshal(readBody(r), &body)
	cause := errors.New("rejected by external signal")
	if body.Reason != "" {
		cause = errors.New(body.Reason)
	}
	key := workflow.IdempotencyKey{
		WorkflowID:    tx.WorkflowID,
		TransactionID: txID,
		StepID:        st.StepID,
		Action:        workflow.ActionInvoke,
	}
	res, err := s.engine.SetStepFailure(r.Context(), key, body.Response, cause)
	if err != nil {
		writeError(w, err)
		return
	}
	writeRunResult(w, res)
}

// transactionView is the read-only status projection exposed to callers.
func transactionView(tx *workflow.Transaction) map[string]any {
	steps := make([]map[string]any, 0, len(tx.Steps))
	done := 0
	suspendedStep := ""
	for _, st := range tx.Steps {
		if st.Status == workflow.StepDone {
			done++
		}
		if st.Status == workflow.StepSuspended {
			suspendedStep = st.StepID
		}
		view := map[string]any{
			"step_id":  st.StepID,
			"status":   st.Status,
			"attempts": st.Attempts,
		}
		if st.Error != "" {
			view["error"] = st.Error
		}
		if st.ChildTxID != "" {
			view["child_transaction_id"] = st.ChildTxID
		}
		steps = append(steps, view)
	}
	view := map[string]any{
		"transaction_id": tx.ID,
		"workflow_id":    tx.WorkflowID,
		"status":         tx.Status,
		"steps":          steps,
		"steps_total":    len(tx.Steps),
		"steps_done":     done,
		"created_at":     tx.CreatedAt,
		"updated_at":     tx.UpdatedAt,
	}
	if suspendedStep != "" {
		view["suspended_step"] = suspendedStep
	}
	if len(tx.Errors) > 0 {
		view["errors"] = tx.Errors
	}
	if tx.ParentTxID != "" {
		view["parent_transaction_id"] = tx.ParentTxID
	}
	return view
}

func writeRunResult(w http.ResponseWriter, res workflow.RunResult) {
	status := http.StatusOK
	switch res.Status {
	case workflow.StatusSuspended:
		status = http.StatusAccepted
	case workflow.StatusFailed, workflow.StatusReverted:
		status = http.StatusInternalServerError
	}
	body := map[string]any{
		"transaction_id": res.TransactionID,
		"status":         res.Status,
	}
	if len(res.Result) > 0 {
		body["result"] = json.RawMessage(res.Result)
	}
	if len(res.Errs) > 0 {
		msgs := make([]string, 0, len(res.Errs))
		for _, err := range res.Errs {
			msgs = append(msgs, err.Error())
		}
		body["errors"] = msgs
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]any{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, workflow.ErrValidation), errors.Is(err, link.ErrNotAssignedToWorkflow):
		return http.StatusBadRequest
	case errors.Is(err, workflow.ErrWorkflowNotFound),
		errors.Is(err, workflow.ErrTransactionNotFound),
		errors.Is(err, entity.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrStepNotSuspended):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func readBody(r *http.Request) []byte {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	b, _ := io.ReadAll(r.Body)
	return b
}
