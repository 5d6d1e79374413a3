// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/agentgate/pkg/gateway"
	"github.com/stacklok/agentgate/pkg/rbac"
	"github.com/stacklok/agentgate/pkg/targets"
)

const instrumentationName = "github.com/stacklok/agentgate/pkg/relay"

var (
	attrMCPMethodName    = attribute.Key("mcp.method.name")
	attrGenAIToolName    = attribute.Key("gen_ai.tool.name")
	attrGenAIPromptName  = attribute.Key("gen_ai.prompt.name")
	attrGenAIOperation   = attribute.Key("gen_ai.operation.name")
	attrErrorType        = attribute.Key("error.type")
	attrTarget           = attribute.Key("agentgate.target")
	attrResourceType     = attribute.Key("agentgate.resource_type")
	attrResourceName     = attribute.Key("agentgate.resource_name")
	attrA2AMethod        = attribute.Key("a2a.method.name")
	attrDecisionCategory = attribute.Key("agentgate.error_category")
)

// Monitor decorates svc so every operation records metrics and a SERVER span.
func Monitor(svc Service, meterProvider metric.MeterProvider, tracerProvider trace.TracerProvider) (Service, error) {
	meter := meterProvider.Meter(instrumentationName)

	listCalls, err := meter.Int64Counter(
		"agentgate_list_calls",
		metric.WithDescription("Number of list requests by resource type"))
	if err != nil {
		return nil, fmt.Errorf("failed to create list calls counter: %w", err)
	}
	toolCalls, err := meter.Int64Counter(
		"agentgate_tool_calls",
		metric.WithDescription("Number of tool calls by target and tool"))
	if err != nil {
		return nil, fmt.Errorf("failed to create tool calls counter: %w", err)
	}
	toolCallErrors, err := meter.Int64Counter(
		"agentgate_tool_call_errors",
		metric.WithDescription("Number of failed tool calls by target, tool and error category"))
	if err != nil {
		return nil, fmt.Errorf("failed to create tool call errors counter: %w", err)
	}
	promptGets, err := meter.Int64Counter(
		"agentgate_prompt_gets",
		metric.WithDescription("Number of prompt requests by target and prompt"))
	if err != nil {
		return nil, fmt.Errorf("failed to create prompt gets counter: %w", err)
	}
	resourceReads, err := meter.Int64Counter(
		"agentgate_resource_reads",
		metric.WithDescription("Number of resource reads by target"))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource reads counter: %w", err)
	}
	a2aRequests, err := meter.Int64Counter(
		"agentgate_a2a_requests",
		metric.WithDescription("Number of A2A requests by target and method"))
	if err != nil {
		return nil, fmt.Errorf("failed to create A2A requests counter: %w", err)
	}
	errorsTotal, err := meter.Int64Counter(
		"agentgate_relay_errors",
		metric.WithDescription("Number of failed relay operations by error category"))
	if err != nil {
		return nil, fmt.Errorf("failed to create relay errors counter: %w", err)
	}
	duration, err := meter.Float64Histogram(
		"agentgate_relay_duration",
		metric.WithDescription("Duration of relay operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create relay duration histogram: %w", err)
	}

	return telemetryService{
		svc:            svc,
		tracer:         tracerProvider.Tracer(instrumentationName),
		listCalls:      listCalls,
		toolCalls:      toolCalls,
		toolCallErrors: toolCallErrors,
		promptGets:     promptGets,
		resourceReads:  resourceReads,
		a2aRequests:    a2aRequests,
		errorsTotal:    errorsTotal,
		duration:       duration,
	}, nil
}

type telemetryService struct {
	svc    Service
	tracer trace.Tracer

	listCalls      metric.Int64Counter
	toolCalls      metric.Int64Counter
	toolCallErrors metric.Int64Counter
	promptGets     metric.Int64Counter
	resourceReads  metric.Int64Counter
	a2aRequests    metric.Int64Counter
	errorsTotal    metric.Int64Counter
	duration       metric.Float64Histogram
}

var _ Service = telemetryService{}

// record starts a span named "{method} {name}" and returns a function to be
// deferred that records the duration and the error, if any.
func (t telemetryService) record(
	ctx context.Context, method, name string, attrs []attribute.KeyValue, err *error,
) (context.Context, func()) {
	spanName := method
	if name != "" {
		spanName = method + " " + name
	}
	all := append([]attribute.KeyValue{attrMCPMethodName.String(method)}, attrs...)

	ctx, span := t.tracer.Start(ctx, spanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(all...),
	)
	start := time.Now()

	return ctx, func() {
		metricAttrs := metric.WithAttributes(all...)
		t.duration.Record(ctx, time.Since(start).Seconds(), metricAttrs)
		if err != nil && *err != nil {
			category := string(gateway.Category(*err))
			t.errorsTotal.Add(ctx, 1, metric.WithAttributes(
				attrMCPMethodName.String(method), attrDecisionCategory.String(category)))
			span.RecordError(*err)
			span.SetAttributes(attrErrorType.String(category))
			span.SetStatus(codes.Error, (*err).Error())
		}
		span.End()
	}
}

func targetAttrs(prefixed string) []attribute.KeyValue {
	target, name, err := targets.SplitName(prefixed)
	if err != nil {
		return nil
	}
	return []attribute.KeyValue{attrTarget.String(target), attrResourceName.String(name)}
}

func (t telemetryService) list(ctx context.Context, resourceType rbac.ResourceType) {
	t.listCalls.Add(ctx, 1, metric.WithAttributes(attrResourceType.String(string(resourceType))))
}

// ListTools records a list call for tools.
func (t telemetryService) ListTools(ctx context.Context, claims rbac.Claims) (_ []mcp.Tool, retErr error) {
	ctx, done := t.record(ctx, string(mcp.MethodToolsList), "", nil, &retErr)
	defer done()
	t.list(ctx, rbac.ResourceTool)
	return t.svc.ListTools(ctx, claims)
}

// ListPrompts records a list call for prompts.
func (t telemetryService) ListPrompts(ctx context.Context, claims rbac.Claims) (_ []mcp.Prompt, retErr error) {
	ctx, done := t.record(ctx, string(mcp.MethodPromptsList), "", nil, &retErr)
	defer done()
	t.list(ctx, rbac.ResourcePrompt)
	return t.svc.ListPrompts(ctx, claims)
}

// ListResources records a list call for resources.
func (t telemetryService) ListResources(ctx context.Context, claims rbac.Claims) (_ []mcp.Resource, retErr error) {
	ctx, done := t.record(ctx, string(mcp.MethodResourcesList), "", nil, &retErr)
	defer done()
	t.list(ctx, rbac.ResourceResource)
	return t.svc.ListResources(ctx, claims)
}

// ListResourceTemplates records a list call for resources.
func (t telemetryService) ListResourceTemplates(
	ctx context.Context, claims rbac.Claims,
) (_ []mcp.ResourceTemplate, retErr error) {
	ctx, done := t.record(ctx, methodResourceTemplatesList, "", nil, &retErr)
	defer done()
	t.list(ctx, rbac.ResourceResource)
	return t.svc.ListResourceTemplates(ctx, claims)
}

// CallTool records the call and, on failure, a tool call error.
func (t telemetryService) CallTool(
	ctx context.Context, claims rbac.Claims, name string, args any, notify Notifier,
) (_ *mcp.CallToolResult, retErr error) {
	attrs := append(targetAttrs(name),
		attrGenAIToolName.String(name),
		attrGenAIOperation.String("execute_tool"))
	ctx, done := t.record(ctx, string(mcp.MethodToolsCall), name, attrs, &retErr)
	defer done()

	counterAttrs := targetAttrs(name)
	t.toolCalls.Add(ctx, 1, metric.WithAttributes(counterAttrs...))
	defer func() {
		if retErr != nil {
			t.toolCallErrors.Add(ctx, 1, metric.WithAttributes(
				append(counterAttrs, attrErrorType.String(string(gateway.Category(retErr))))...))
		}
	}()
	return t.svc.CallTool(ctx, claims, name, args, notify)
}

// GetPrompt records the prompt request.
func (t telemetryService) GetPrompt(
	ctx context.Context, claims rbac.Claims, name string, args map[string]string,
) (_ *mcp.GetPromptResult, retErr error) {
	attrs := append(targetAttrs(name), attrGenAIPromptName.String(name))
	ctx, done := t.record(ctx, string(mcp.MethodPromptsGet), name, attrs, &retErr)
	defer done()
	t.promptGets.Add(ctx, 1, metric.WithAttributes(targetAttrs(name)...))
	return t.svc.GetPrompt(ctx, claims, name, args)
}

// ReadResource records the read.
func (t telemetryService) ReadResource(
	ctx context.Context, claims rbac.Claims, uri string,
) (_ *mcp.ReadResourceResult, retErr error) {
	var attrs []attribute.KeyValue
	if target, _, err := targets.SplitName(uri); err == nil {
		attrs = append(attrs, attrTarget.String(target))
	}
	ctx, done := t.record(ctx, string(mcp.MethodResourcesRead), "", attrs, &retErr)
	defer done()
	t.resourceReads.Add(ctx, 1, metric.WithAttributes(attrs...))
	return t.svc.ReadResource(ctx, claims, uri)
}

// AgentCard records the card request.
func (t telemetryService) AgentCard(
	ctx context.Context, claims rbac.Claims, target, publicURL string,
) (_ map[string]any, retErr error) {
	ctx, done := t.record(ctx, "a2a/agentCard", target, []attribute.KeyValue{attrTarget.String(target)}, &retErr)
	defer done()
	return t.svc.AgentCard(ctx, claims, target, publicURL)
}

// ForwardA2A records the A2A request.
func (t telemetryService) ForwardA2A(
	ctx context.Context, claims rbac.Claims, target, method string, params json.RawMessage, notify Notifier,
) (_ *jsonrpc2.Response, retErr error) {
	attrs := []attribute.KeyValue{attrTarget.String(target), attrA2AMethod.String(method)}
	ctx, done := t.record(ctx, method, target, attrs, &retErr)
	defer done()
	t.a2aRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	return t.svc.ForwardA2A(ctx, claims, target, method, params, notify)
}
