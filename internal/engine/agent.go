package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

// AgentRequest is a single prompt execution against the agent runtime.
type AgentRequest struct {
	ProcessID string            `json:"processId"`
	NodeID    string            `json:"nodeId,omitempty"`
	Prompt    string            `json:"prompt"`
	Params    json.RawMessage   `json:"params,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// AgentResult is the outcome of an agent invocation.
type AgentResult struct {
	Output       json.RawMessage `json:"output"`
	TokensUsed   int64           `json:"tokensUsed,omitempty"`
	DurationMs   int64           `json:"durationMs,omitempty"`
	FinishReason string          `json:"finishReason,omitempty"`
}

// AgentRuntime executes a prompt against an external agent backend. The
// engine treats it as an opaque collaborator: it never inspects transcripts,
// only the structured result.
type AgentRuntime interface {
	Generate(ctx context.Context, req AgentRequest) (*AgentResult, error)
}

// ToolRunner invokes a named tool with JSON params and returns JSON output.
type ToolRunner interface {
	Invoke(ctx context.Context, tool string, params json.RawMessage) (json.RawMessage, error)
}

// DefaultAgentTimeout bounds agent calls that carry no explicit timeout.
const DefaultAgentTimeout = 5 * time.Minute

// HTTPAgentRuntime calls an agent backend over HTTP: POST /v1/generate with
// the AgentRequest body, expecting an AgentResult body.
type HTTPAgentRuntime struct {
	BaseURL string
	Client  *http.Client
	Token   string
}

// NewHTTPAgentRuntime creates a runtime client for the given base URL.
func NewHTTPAgentRuntime(baseURL, token string) *HTTPAgentRuntime {
	return &HTTPAgentRuntime{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: DefaultAgentTimeout},
	}
}

func (r *HTTPAgentRuntime) Generate(ctx context.Context, req AgentRequest) (*AgentResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "marshal agent request: %s", err.Error()).WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "build agent request: %s", err.Error()).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.Token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.Token)
	}

	resp, err := r.Client.Do(httpReq)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "agent call failed: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "read agent response: %s", err.Error()).WithCause(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"agent backend returned %d: %s", resp.StatusCode, truncate(string(payload), 512)).
			WithDetails(map[string]any{"status": resp.StatusCode})
	}

	var result AgentResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "decode agent response: %s", err.Error()).WithCause(err)
	}
	return &result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s... (%d bytes)", s[:n], len(s))
}

var _ AgentRuntime = (*HTTPAgentRuntime)(nil)
