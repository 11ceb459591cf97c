package advisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	oerrors "github.com/forgeops/autodev/internal/errors"
	"github.com/forgeops/autodev/internal/retry"
)

const (
	apiBase          = "https://api.anthropic.com/v1"
	apiVersion       = "2023-06-01"
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 4096
)

// Client talks to the Anthropic Messages API.
type Client struct {
	apiKey    string
	model     string
	maxTokens int
	baseURL   string
	client    *http.Client
	retry     retry.Config
	logger    zerolog.Logger
}

// Option configures the client.
type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

func WithMaxTokens(n int) Option {
	return func(c *Client) { c.maxTokens = n }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.client = h }
}

func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithRetry(cfg retry.Config) Option {
	return func(c *Client) { c.retry = cfg }
}

// NewClient constructs an advisor client. The key is checked lazily so the
// process can start without one.
func NewClient(apiKey string, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:    apiKey,
		model:     defaultModel,
		maxTokens: defaultMaxTokens,
		baseURL:   apiBase,
		client:    &http.Client{Timeout: 120 * time.Second},
		retry:     retry.DefaultConfig(),
		logger:    logger.With().Str("component", "advisor").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ---- Anthropic wire types ----

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	System    string        `json:"system,omitempty"`
	Messages  []wireMessage `json:"messages"`
}

type wireContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type wireResponse struct {
	ID         string             `json:"id"`
	Content    []wireContentBlock `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (r *wireResponse) text() string {
	var sb strings.Builder
	for _, b := range r.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ask sends one prompt and returns the raw text answer. Transient failures
// are retried per the configured policy.
func (c *Client) ask(ctx context.Context, system, prompt string) (string, error) {
	if c.apiKey == "" {
		return "", oerrors.ErrMissingAPIKey
	}

	var answer string
	err := retry.Do(ctx, c.retry, func(ctx context.Context) error {
		text, err := c.send(ctx, system, prompt)
		if err != nil {
			return err
		}
		answer = text
		return nil
	})
	return answer, err
}

func (c *Client) send(ctx context.Context, system, prompt string) (string, error) {
	body, err := json.Marshal(wireRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    system,
		Messages:  []wireMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return "", classifyTransportError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%w: status %d", oerrors.ErrInvalidAPIKey, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", oerrors.NewAPIError("anthropic", resp.StatusCode, truncate(string(raw), 200))
	}

	var wr wireResponse
	if err := json.Unmarshal(raw, &wr); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if wr.Error != nil {
		return "", fmt.Errorf("anthropic api error %s: %s", wr.Error.Type, wr.Error.Message)
	}

	c.logger.Debug().
		Str("model", c.model).
		Str("stop_reason", wr.StopReason).
		Int("in_tokens", wr.Usage.InputTokens).
		Int("out_tokens", wr.Usage.OutputTokens).
		Dur("elapsed", time.Since(start)).
		Msg("advisor call completed")

	return wr.text(), nil
}

// classifyTransportError maps HTTP client failures onto the retryable
// sentinels. Context timeouts count as transient, cancellation does not.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", oerrors.ErrTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", oerrors.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", oerrors.ErrUnavailable, err)
}

// askJSON asks, strips an optional markdown code fence, and decodes the
// answer into out. A decode failure is permanent, never retried.
func (c *Client) askJSON(ctx context.Context, system, prompt string, out interface{}) error {
	text, err := c.ask(ctx, system, prompt)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), out); err != nil {
		return fmt.Errorf("parsing advisor answer: %w", err)
	}
	return nil
}

// extractJSON returns the JSON payload of an answer that may be wrapped in
// a ```json or bare ``` fence. Plain answers pass through untouched.
func extractJSON(text string) string {
	s := strings.TrimSpace(text)
	for _, fence := range []string{"```json", "```"} {
		if strings.HasPrefix(s, fence) {
			s = strings.TrimPrefix(s, fence)
			if i := strings.LastIndex(s, "```"); i >= 0 {
				s = s[:i]
			}
			return strings.TrimSpace(s)
		}
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ---- structured questions ----

const selectionSystem = "You are a task prioritization assistant. Your PRIMARY goal is ensuring the codebase is always runnable. Initialization and setup tasks MUST be completed first. Select the most appropriate task based on strict priority order. Output valid JSON only."

const selectionPromptTemplate = `You are a task prioritization assistant. Analyze the following tasks and select the ONE task that should be worked on next.

## CRITICAL: Prioritization Rules (in strict order):
1. **INITIALIZATION FIRST**: Tasks that initialize or set up the project MUST come first. Look for:
   - Tasks with sequence=1 (highest priority)
   - Architecture tasks that set up project structure, configs, or scaffolding
   - Tasks with titles containing: "init", "setup", "scaffold", "configure", "create project", "initialize"
   - The project must be runnable after these tasks complete!

2. **Sequence order**: Lower sequence number = higher priority (sequence 1 before 2, 2 before 3, etc.)

3. **Task type order**: architecture before implementation before integration
   - Architecture tasks set up structure (do these early)
   - Implementation tasks build features
   - Integration tasks come last (they wire everything together)

4. **Layer dependencies**: data before backend before frontend
   - Data layer should be set up before backend
   - Backend before frontend (frontend needs API endpoints)

5. **Unblocking**: Prefer tasks that enable other tasks to proceed

## Tasks:
%s

## Output Format:
Return ONLY valid JSON:
{
  "task_id": "uuid-of-selected-task",
  "reasoning": "Brief explanation of why this task was selected"
}`

type selectionAnswer struct {
	TaskID    string `json:"task_id"`
	Reasoning string `json:"reasoning"`
}

// SelectTask implements Advisor.
func (c *Client) SelectTask(ctx context.Context, candidates []TaskInfo) (*Selection, error) {
	tasksJSON, err := json.MarshalIndent(candidates, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal candidates: %w", err)
	}

	var ans selectionAnswer
	err = c.askJSON(ctx, selectionSystem, fmt.Sprintf(selectionPromptTemplate, tasksJSON), &ans)
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(ans.TaskID)
	if err != nil {
		return nil, fmt.Errorf("%w: advisor returned invalid task id %q", oerrors.ErrInvalidInput, ans.TaskID)
	}
	return &Selection{TaskID: id, Reasoning: ans.Reasoning}, nil
}

const complexitySystem = "You are a software project complexity analyzer. Analyze tasks and suggest breakdowns for complex work. Output valid JSON only."

const complexityPromptTemplate = `Analyze the complexity of this software development task:

## Task
Title: %s
Description: %s
Layer: %s
Type: %s

## Criteria for High Complexity (score >= 7):
- Would take > 4 hours of work
- Touches > 3 files/components
- Has unclear boundaries
- Can be split into independently testable parts
- Requires multiple distinct implementation steps

## Output Format (JSON only):
{
  "complexity_score": <1-10>,
  "can_be_broken_down": <true/false>,
  "reasoning": "<brief explanation>",
  "subtasks": [
    {"title": "<subtask title>", "description": "<what to do>", "layer": "<data|backend|frontend|null>"},
    ...
  ]
}

If complexity_score < 7 or can_be_broken_down is false, subtasks can be empty array.
Limit to 2-4 subtasks maximum if breaking down.`

// AnalyzeComplexity implements Advisor.
func (c *Client) AnalyzeComplexity(ctx context.Context, task TaskInfo) (*ComplexityAnalysis, error) {
	prompt := fmt.Sprintf(complexityPromptTemplate,
		task.Title, orDefault(task.Description, "(no description)"),
		orDefault(task.Layer, "unspecified"), orDefault(task.Type, "implementation"))

	var ans ComplexityAnalysis
	if err := c.askJSON(ctx, complexitySystem, prompt, &ans); err != nil {
		return nil, err
	}
	return &ans, nil
}

const breakdownSystem = "You are a task breakdown assistant. Break complex tasks into smaller, independent pieces that can be merged without conflicts. Output valid JSON only."

const breakdownPromptTemplate = `A software development task has failed to merge %d times due to conflicts.
The task needs to be broken down into smaller, simpler subtasks that are less likely to cause conflicts.

## Original Task
Title: %s
Description: %s
Layer: %s
Type: %s

## Conflict Details
%s

## Requirements
1. Break this task into 2-4 smaller, independent subtasks
2. Each subtask should be small enough to avoid merge conflicts
3. Subtasks should be able to be completed and merged independently
4. Focus on making atomic, isolated changes

## Output Format (JSON only):
{
  "subtasks": [
    {"title": "<subtask title>", "description": "<clear description of what to do>", "layer": "<data|backend|frontend|null>"},
    ...
  ],
  "reasoning": "<brief explanation of how you split the task>"
}`

// BreakDownConflict implements Advisor.
func (c *Client) BreakDownConflict(ctx context.Context, task TaskInfo, conflictDetails string) (*ConflictBreakdown, error) {
	prompt := fmt.Sprintf(breakdownPromptTemplate, maxConflictAttempts,
		task.Title, orDefault(task.Description, "(no description)"),
		orDefault(task.Layer, "unspecified"), orDefault(task.Type, "implementation"),
		conflictDetails)

	var ans ConflictBreakdown
	if err := c.askJSON(ctx, breakdownSystem, prompt, &ans); err != nil {
		return nil, err
	}
	return &ans, nil
}

// maxConflictAttempts only flavors the breakdown prompt; the enforcement
// lives in the review engine.
const maxConflictAttempts = 5

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
