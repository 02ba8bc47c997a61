// Package tracing emits spans for MCP tool invocations.
package tracing

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxOutputEventBytes = 1024

// ToolCall tracks one tool.call span from dispatch to result.
type ToolCall struct {
	span      trace.Span
	startedAt time.Time

	mu      sync.Mutex
	retries int
	ended   bool
}

// StartToolCall opens a span for one tool invocation. Argument values whose
// names look sensitive are redacted before they reach the span.
func StartToolCall(ctx context.Context, toolName string, arguments map[string]string) (context.Context, *ToolCall) {
	if ctx == nil {
		ctx = context.Background()
	}

	spanCtx, span := otel.Tracer("gapmcp/tracing/tools").Start(
		ctx,
		"tool.call",
		trace.WithAttributes(
			attribute.String("tool_name", strings.TrimSpace(toolName)),
			attribute.String("args_redacted", formatArguments(arguments)),
		),
	)

	return spanCtx, &ToolCall{span: span, startedAt: time.Now()}
}

// RecordCommand attaches the synthesized engine command to the span.
func (c *ToolCall) RecordCommand(command string) {
	if c == nil || c.span == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.span.SetAttributes(attribute.String("command", truncateOutput(command, maxOutputEventBytes)))
}

// RecordRetry adds a retry event after a supervised session restart.
func (c *ToolCall) RecordRetry(reason string) {
	if c == nil || c.span == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.retries++
	c.span.AddEvent(
		"tool.retry",
		trace.WithAttributes(attribute.String("reason", strings.TrimSpace(reason))),
	)
}

// End finalizes the span with duration, retry count, bounded output, and
// outcome status. Safe to call once per call tracker; later calls no-op.
func (c *ToolCall) End(output string, err error) {
	if c == nil || c.span == nil {
		return
	}

	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	retries := c.retries
	c.mu.Unlock()

	durationMS := time.Since(c.startedAt).Milliseconds()
	if durationMS < 0 {
		durationMS = 0
	}
	c.span.SetAttributes(
		attribute.Int64("duration_ms", durationMS),
		attribute.Int("retry_count", retries),
	)

	if output != "" {
		c.span.AddEvent(
			"tool.output",
			trace.WithAttributes(attribute.String("output", truncateOutput(output, maxOutputEventBytes))),
		)
	}

	if err != nil {
		c.span.RecordError(err)
		c.span.SetStatus(codes.Error, err.Error())
	} else {
		c.span.SetStatus(codes.Ok, "tool call completed")
	}
	c.span.End()
}

// formatArguments renders arguments deterministically for span attributes,
// sorted by name with sensitive values masked.
func formatArguments(arguments map[string]string) string {
	if len(arguments) == 0 {
		return ""
	}

	names := make([]string, 0, len(arguments))
	for name := range arguments {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		value := arguments[name]
		if isSensitiveToken(strings.ToLower(name)) {
			value = "<redacted>"
		}
		parts = append(parts, name+"="+value)
	}
	return strings.Join(parts, " ")
}

func isSensitiveToken(value string) bool {
	sensitiveSubstrings := []string{
		"token",
		"password",
		"passwd",
		"secret",
		"api-key",
		"apikey",
		"auth",
		"bearer",
	}
	for _, candidate := range sensitiveSubstrings {
		if strings.Contains(value, candidate) {
			return true
		}
	}
	return false
}

func truncateOutput(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	if limit <= len(marker) {
		return value[:limit]
	}
	return value[:limit-len(marker)] + marker
}
