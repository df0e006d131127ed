package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Notifier posts transaction and step lifecycle events to external endpoints,
// fire and forget. A nil Notifier is safe to use.
type Notifier struct {
	auditLog *endpoint
	eventBus *endpoint
	client   *http.Client
}

type endpoint struct {
	baseURL string
	timeout time.Duration
}

func NewNotifier(auditURL, auditTimeout, eventURL, eventTimeout string) *Notifier {
	return &Notifier{
		auditLog: parseEndpoint(auditURL, auditTimeout),
		eventBus: parseEndpoint(eventURL, eventTimeout),
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Events returns hooks that forward engine events to the notifier.
func (n *Notifier) Events() *Events {
	return &Events{
		OnRunStart: func(txID, workflowID string) {
			n.runEvent("run_started", txID, workflowID, "")
		},
		OnRunSuspended: func(txID, workflowID, stepID string) {
			n.runEvent("run_suspended", txID, workflowID, stepID)
		},
		OnRunCompleted: func(txID, workflowID string) {
			n.runEvent("run_completed", txID, workflowID, "")
		},
		OnRunFailed: func(txID, workflowID string, err error) {
			n.runEvent("run_failed", txID, workflowID, "")
		},
		OnRunReverted: func(txID, workflowID string) {
			n.runEvent("run_reverted", txID, workflowID, "")
		},
		OnStepDone: func(txID, stepID string, duration time.Duration) {
			n.stepEvent("step_done", txID, stepID, "")
		},
		OnStepFailed: func(txID, stepID string, err error, attempt int) {
			n.stepEvent("step_failed", txID, stepID, err.Error())
		},
		OnStepSuspended: func(txID, stepID string) {
			n.stepEvent("step_suspended", txID, stepID, "")
		},
		OnStepResumed: func(txID, stepID string) {
			n.stepEvent("step_resumed", txID, stepID, "")
		},
		OnCompensationDone: func(txID, stepID string) {
			n.stepEvent("step_compensated", txID, stepID, "")
		},
		OnCompensationFailed: func(txID, stepID string, err error) {
			n.stepEvent("compensation_failed", txID, stepID, err.Error())
		},
	}
}

func (n *Notifier) runEvent(event, txID, workflowID, stepID string) {
	if n == nil {
		return
	}
	payload := map[string]any{
		"event":          event,
		"transaction_id": txID,
		"workflow_id":    workflowID,
		"ts":             time.Now().UTC().Format(time.RFC3339),
	}
	if stepID != "" {
		payload["step_id"] = stepID
	}
	n.postAudit(payload)
	n.postEventBus(payload)
}

func (n *Notifier) stepEvent(event, txID, stepID, errMsg string) {
	if n == nil {
		return
	}
	payload := map[string]any{
		"event":          event,
		"transaction_id": txID,
		"step_id":        stepID,
		"ts":             time.Now().UTC().Format(time.RFC3339),
	}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	n.postAudit(payload)
	n.postEventBus(payload)
}

func (n *Notifier) postAudit(payload map[string]any) {
	if n.auditLog == nil {
		return
	}
	n.postJSON(n.auditLog, payload)
}

func (n *Notifier) postEventBus(payload map[string]any) {
	if n.eventBus == nil {
		return
	}
	n.postJSON(n.eventBus, map[string]any{
		"topic":   payload["event"],
		"payload": payload,
	})
}

func (n *Notifier) postJSON(ep *endpoint, payload map[string]any) {
	raw, _ := json.Marshal(payload)
	ctx, cancel := context.WithTimeout(context.Background(), ep.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.baseURL+"/v1/events", bytes.NewReader(raw))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}

func parseEndpoint(url, timeout string) *endpoint {
	if url == "" {
		return nil
	}
	dur, err := time.ParseDuration(timeout)
	if err != nil {
		dur = 5 * time.Second
	}
	return &endpoint{baseURL: url, timeout: dur}
}
