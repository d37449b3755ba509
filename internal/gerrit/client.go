package gerrit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/zjrosen/gerritwatch/internal/cachemanager"
	"github.com/zjrosen/gerritwatch/internal/log"
	"github.com/zjrosen/gerritwatch/internal/remote"
	"github.com/zjrosen/gerritwatch/internal/tracing"
)

// QueryResult is the decoded first row of a query.
type QueryResult map[string]any

// ClientConfig configures a CommandClient.
type ClientConfig struct {
	// CacheTTL caches found query results per change. Zero disables caching.
	CacheTTL time.Duration

	Logger *log.Logger
	Tracer trace.Tracer
}

// CommandClient runs one-shot query and review commands. Every call opens
// and tears down its own session.
type CommandClient struct {
	transport remote.Transport
	logger    *log.Logger
	tracer    trace.Tracer
	cache     cachemanager.CacheManager[string, QueryResult]
}

// NewCommandClient creates a client that runs commands over transport.
func NewCommandClient(transport remote.Transport, cfg ClientConfig) *CommandClient {
	c := &CommandClient{
		transport: transport,
		logger:    cfg.Logger,
		tracer:    cfg.Tracer,
	}
	if c.tracer == nil {
		c.tracer = noop.NewTracerProvider().Tracer("noop")
	}
	if cfg.CacheTTL > 0 {
		c.cache = cachemanager.NewInMemoryCacheManager[string, QueryResult]("query", cfg.CacheTTL, cfg.Logger)
	}
	return c
}

// BuildQueryCommand returns the query command for change.
func BuildQueryCommand(change string) string {
	return "gerrit query --format json " + change
}

// BuildReviewCommand returns the review command. Flags are rendered in
// lexical order; a true value renders a bare flag, anything else renders
// the flag followed by its value. No escaping is applied.
func BuildReviewCommand(project, change, message string, flags map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "gerrit review --project %s --message \"%s\"", project, message)

	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if v, ok := flags[name].(bool); ok && v {
			fmt.Fprintf(&b, " --%s", name)
			continue
		}
		fmt.Fprintf(&b, " --%s %v", name, flags[name])
	}
	b.WriteString(" ")
	b.WriteString(change)
	return b.String()
}

// Query fetches the current state of change. The boolean is false when the
// server has no result: empty output, a leading stats row, or a falsy
// first row. A non-zero exit status returns *RemoteCommandError.
func (c *CommandClient) Query(ctx context.Context, change string) (QueryResult, bool, error) {
	command := BuildQueryCommand(change)
	ctx, span := c.tracer.Start(ctx, tracing.SpanQuery, trace.WithAttributes(
		attribute.String(tracing.AttrChange, change),
		attribute.String(tracing.AttrCommand, command),
	))
	defer span.End()

	if c.cache != nil {
		if v, ok := c.cache.Get(ctx, change); ok {
			span.SetAttributes(attribute.Bool(tracing.AttrCached, true), attribute.Bool(tracing.AttrFound, true))
			return v, true, nil
		}
	}

	out, err := c.run(ctx, span, command)
	if err != nil {
		return nil, false, err
	}

	result, found, err := decodeQueryOutput(out.Stdout)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, false, err
	}
	span.SetAttributes(attribute.Bool(tracing.AttrFound, found))
	if found && c.cache != nil {
		c.cache.Set(ctx, change, result, cachemanager.DefaultExpiration)
	}
	return result, found, nil
}

// Review posts a review and returns the command's stderr, which Gerrit may
// fill with informational text even on success.
func (c *CommandClient) Review(ctx context.Context, project, change, message string, flags map[string]any) (string, error) {
	command := BuildReviewCommand(project, change, message, flags)
	ctx, span := c.tracer.Start(ctx, tracing.SpanReview, trace.WithAttributes(
		attribute.String(tracing.AttrProject, project),
		attribute.String(tracing.AttrChange, change),
		attribute.String(tracing.AttrCommand, command),
	))
	defer span.End()

	out, err := c.run(ctx, span, command)
	if err != nil {
		return "", err
	}

	if c.cache != nil {
		c.cache.Delete(ctx, change)
		if number, _, ok := strings.Cut(change, ","); ok {
			c.cache.Delete(ctx, number)
		}
	}
	return string(out.Stderr), nil
}

func (c *CommandClient) run(ctx context.Context, span trace.Span, command string) (*remote.CommandOutput, error) {
	c.logger.Debug(log.CatCommand, "Running command", "command", command)

	out, err := c.transport.Run(ctx, command)
	if err != nil {
		c.logger.ErrorErr(log.CatCommand, "Command failed to run", err, "command", command)
		tracing.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.Int(tracing.AttrExitStatus, out.ExitStatus))
	c.logger.Debug(log.CatCommand, "Command finished",
		"exitStatus", out.ExitStatus, "stdout", string(out.Stdout), "stderr", string(out.Stderr))

	if out.ExitStatus != 0 {
		err := &RemoteCommandError{Command: command, ExitStatus: out.ExitStatus, Stderr: string(out.Stderr)}
		tracing.RecordError(span, err)
		return nil, err
	}
	return out, nil
}

func decodeQueryOutput(stdout []byte) (QueryResult, bool, error) {
	first, _, _ := bytes.Cut(stdout, []byte("\n"))
	first = bytes.TrimSpace(first)
	if len(first) == 0 {
		return nil, false, nil
	}

	var v any
	if err := json.Unmarshal(first, &v); err != nil {
		return nil, false, fmt.Errorf("decoding query output: %w", err)
	}
	if isFalsy(v) {
		return nil, false, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, false, fmt.Errorf("decoding query output: %w: got %s", errNotObject, jsonKind(v))
	}
	if obj["type"] == "stats" {
		return nil, false, nil
	}
	return QueryResult(obj), true, nil
}

func isFalsy(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.String:
		return rv.Len() == 0
	default:
		return rv.IsZero()
	}
}
