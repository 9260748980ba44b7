// Package mcptools exposes the analytics queries as Model Context Protocol tools.
package mcptools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/bader1919/smart-home-analytics-ai/internal/query"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type Tools struct {
	Facade *query.Facade
}

type TimeframeInput struct {
	Timeframe string `json:"timeframe,omitempty" jsonschema:"One of: last 24 hours, last 7 days, last 30 days, last year"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum number of items; 0 uses the default"`
}

type DeviceInput struct {
	Device    string `json:"device" jsonschema:"Entity id or display name, e.g. light.kitchen"`
	Timeframe string `json:"timeframe,omitempty" jsonschema:"One of: last 24 hours, last 7 days, last 30 days, last year"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum number of items; 0 uses the default"`
}

type RoomInput struct {
	Room      string `json:"room" jsonschema:"Room or area name"`
	Timeframe string `json:"timeframe,omitempty" jsonschema:"One of: last 24 hours, last 7 days, last 30 days, last year"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum number of items; 0 uses the default"`
}

type EntitiesInput struct {
	Room  string   `json:"room,omitempty" jsonschema:"Only entities in this room"`
	Types []string `json:"types,omitempty" jsonschema:"Only entities of these types, e.g. light, sensor"`
}

type SearchInput struct {
	Query string `json:"query" jsonschema:"Free-text description, e.g. lamp by the front door"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum number of items; 0 uses the default"`
}

// NewServer registers every tool on a fresh MCP server.
func NewServer(f *query.Facade, version string) *mcp.Server {
	t := &Tools{Facade: f}
	srv := mcp.NewServer(&mcp.Implementation{Name: "smart-home-analytics", Version: version}, nil)

	mcp.AddTool(srv, &mcp.Tool{
		Name:        "energy_insights",
		Description: "Rank devices by on-time and energy readings, with inferred energy impact",
	}, t.EnergyInsights)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "device_relationships",
		Description: "List devices that switch on together with, share a room with, or draw power alongside a device",
	}, t.DeviceRelationships)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "automation_suggestions",
		Description: "Suggest trigger and schedule automations from repeated behaviour",
	}, t.AutomationSuggestions)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "anomalies",
		Description: "Report devices left on while nobody is home and unusual sensor readings",
	}, t.Anomalies)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "room_analysis",
		Description: "Summarize device usage and co-activations inside one room",
	}, t.RoomAnalysis)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "pattern_insights",
		Description: "Describe the household's patterns in plain language (requires a language model)",
	}, t.Insights)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "list_entities",
		Description: "List known devices and sensors, optionally by room or type",
	}, t.ListEntities)
	mcp.AddTool(srv, &mcp.Tool{
		Name:        "search_entities",
		Description: "Find devices and sensors whose description is closest to a free-text query (requires an embedding model)",
	}, t.SearchEntities)

	return srv
}

// Handler serves srv over streamable HTTP.
func Handler(srv *mcp.Server) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil)
}

func (t *Tools) EnergyInsights(ctx context.Context, _ *mcp.CallToolRequest, in TimeframeInput) (*mcp.CallToolResult, any, error) {
	res, err := t.Facade.EnergyInsights(ctx, in.Timeframe, in.Limit)
	return respond(res, err)
}

func (t *Tools) DeviceRelationships(ctx context.Context, _ *mcp.CallToolRequest, in DeviceInput) (*mcp.CallToolResult, any, error) {
	if in.Device == "" {
		return toolError("device is required"), nil, nil
	}
	res, err := t.Facade.DeviceRelationships(ctx, in.Device, in.Timeframe, in.Limit)
	return respond(res, err)
}

func (t *Tools) AutomationSuggestions(ctx context.Context, _ *mcp.CallToolRequest, in TimeframeInput) (*mcp.CallToolResult, any, error) {
	res, err := t.Facade.AutomationSuggestions(ctx, in.Timeframe, in.Limit)
	return respond(res, err)
}

func (t *Tools) Anomalies(ctx context.Context, _ *mcp.CallToolRequest, in TimeframeInput) (*mcp.CallToolResult, any, error) {
	res, err := t.Facade.Anomalies(ctx, in.Timeframe, in.Limit)
	return respond(res, err)
}

func (t *Tools) RoomAnalysis(ctx context.Context, _ *mcp.CallToolRequest, in RoomInput) (*mcp.CallToolResult, any, error) {
	if in.Room == "" {
		return toolError("room is required"), nil, nil
	}
	res, err := t.Facade.RoomAnalysis(ctx, in.Room, in.Timeframe, in.Limit)
	return respond(res, err)
}

func (t *Tools) Insights(ctx context.Context, _ *mcp.CallToolRequest, in TimeframeInput) (*mcp.CallToolResult, any, error) {
	res, err := t.Facade.Narrative(ctx, in.Timeframe)
	return respond(res, err)
}

func (t *Tools) ListEntities(ctx context.Context, _ *mcp.CallToolRequest, in EntitiesInput) (*mcp.CallToolResult, any, error) {
	ents, err := t.Facade.Entities(ctx, in.Room, in.Types)
	if err != nil {
		return toolError("Failed to list entities: %v", err), nil, nil
	}
	return toolJSON(map[string]any{"count": len(ents), "items": ents})
}

func (t *Tools) SearchEntities(ctx context.Context, _ *mcp.CallToolRequest, in SearchInput) (*mcp.CallToolResult, any, error) {
	if in.Query == "" {
		return toolError("query is required"), nil, nil
	}
	matches, err := t.Facade.SearchEntities(ctx, in.Query, in.Limit)
	if err != nil {
		return toolError("Search failed: %v", err), nil, nil
	}
	return toolJSON(map[string]any{"query": in.Query, "items": matches})
}

// respond treats not-found as an empty answer, like the HTTP API.
func respond(v any, err error) (*mcp.CallToolResult, any, error) {
	if err != nil && !errors.Is(err, query.ErrNotFound) {
		return toolError("%v", err), nil, nil
	}
	return toolJSON(v)
}

func toolError(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

func toolJSON(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError("Failed to marshal result: %v", err), nil, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}
