package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/basket/clawtask/internal/budget"
	"github.com/basket/clawtask/internal/shared"
	"github.com/basket/clawtask/internal/tokenutil"
)

// Guard is handed to the agent turn. The turn must call Step before every
// tool-call round and AllowTool before invoking any tool.
type Guard interface {
	// Step returns a non-nil error when the run must stop: the task was
	// cancelled, or used has gone past the ceiling.
	Step(ctx context.Context, used budget.Snapshot) error
	// AllowTool reports whether the effective scope permits the tool. A
	// refused call is audited; the turn should report the refusal to the
	// model and carry on.
	AllowTool(ctx context.Context, tool string) bool
}

// TurnRequest is everything the agent needs for one scoped execution.
type TurnRequest struct {
	TaskID         string        `json:"taskId"`
	RunID          string        `json:"runId"`
	Prompt         string        `json:"prompt"`
	SystemPrompt   string        `json:"systemPrompt,omitempty"`
	ConversationID string        `json:"conversationId,omitempty"`
	Model          string        `json:"model,omitempty"`
	ToolAllow      [][]string    `json:"toolAllow,omitempty"` // every layer must match
	ToolDeny       []string      `json:"toolDeny,omitempty"`
	Budget         budget.Budget `json:"budget"`
	Guard          Guard         `json:"-"`
}

// TurnResult is what the agent returns. Snapshot.EstimatedCostUSD may be
// zero when the agent only knows token counts. HTTPTurn estimates the counts
// from text length when the service reports none.
type TurnResult struct {
	ResponseText     string          `json:"responseText"`
	Snapshot         budget.Snapshot `json:"budgetSnapshot"`
	Model            string          `json:"model,omitempty"`
	PromptTokens     int             `json:"promptTokens,omitempty"`
	CompletionTokens int             `json:"completionTokens,omitempty"`
}

// AgentTurn runs one multi-round agent turn.
type AgentTurn interface {
	RunTurn(ctx context.Context, req TurnRequest) (TurnResult, error)
}

// HTTPTurn posts the request to an external agent service. The service runs
// the whole turn remotely, so the guard is consulted once before the call
// and once against the returned snapshot.
type HTTPTurn struct {
	URL    string
	Client *http.Client
	Token  string
}

const maxTurnResponseBytes = 4 << 20

// NewHTTPTurn creates an HTTPTurn with the given per-call timeout.
func NewHTTPTurn(url, token string, timeout time.Duration) *HTTPTurn {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPTurn{URL: url, Token: token, Client: &http.Client{Timeout: timeout}}
}

func (h *HTTPTurn) RunTurn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	if req.Guard != nil {
		if err := req.Guard.Step(ctx, budget.Snapshot{}); err != nil {
			return TurnResult{}, err
		}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return TurnResult{}, fmt.Errorf("encode turn request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return TurnResult{}, fmt.Errorf("build turn request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if tid := shared.TraceID(ctx); tid != "-" {
		httpReq.Header.Set("X-Trace-Id", tid)
	}
	if h.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.Token)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return TurnResult{}, fmt.Errorf("agent turn: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxTurnResponseBytes))
	if err != nil {
		return TurnResult{}, fmt.Errorf("read turn response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return TurnResult{}, fmt.Errorf("agent turn: status %d: %s", resp.StatusCode, shared.Redact(truncate(string(raw), 256)))
	}
	var out TurnResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return TurnResult{}, fmt.Errorf("decode turn response: %w", err)
	}
	if out.Snapshot.TokensUsed == 0 && out.PromptTokens == 0 && out.CompletionTokens == 0 {
		out.PromptTokens = tokenutil.EstimateAll(req.SystemPrompt, req.Prompt)
		out.CompletionTokens = tokenutil.EstimateTokens(out.ResponseText)
		out.Snapshot.TokensUsed = int64(out.PromptTokens + out.CompletionTokens)
	}
	if req.Guard != nil {
		if err := req.Guard.Step(ctx, out.Snapshot); err != nil {
			return out, err
		}
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
