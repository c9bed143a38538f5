package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/giantswarm/mcp-time-oauth/guard"
)

// Resource URIs.
const (
	ResourceCurrentTime = "time://current"
	ResourceTimezones   = "time://timezones"
)

// CommonTimezones is the zone list served by time://timezones.
var CommonTimezones = []string{
	"UTC",
	"Africa/Cairo",
	"Africa/Johannesburg",
	"Africa/Lagos",
	"America/Chicago",
	"America/Denver",
	"America/Los_Angeles",
	"America/Mexico_City",
	"America/New_York",
	"America/Sao_Paulo",
	"America/St_Johns",
	"America/Toronto",
	"Asia/Dubai",
	"Asia/Hong_Kong",
	"Asia/Kathmandu",
	"Asia/Kolkata",
	"Asia/Seoul",
	"Asia/Shanghai",
	"Asia/Singapore",
	"Asia/Tokyo",
	"Australia/Adelaide",
	"Australia/Sydney",
	"Europe/Berlin",
	"Europe/London",
	"Europe/Madrid",
	"Europe/Moscow",
	"Europe/Paris",
	"Pacific/Auckland",
	"Pacific/Honolulu",
}

// NewMCPServer builds an MCP server exposing the registry's tools and the
// time resources. Scopes are checked per call against the principal the
// guard middleware stored in the request context.
func NewMCPServer(r *Registry, version string) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer(
		"time-mcp-server",
		version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithLogging(),
	)

	for _, def := range r.Definitions() {
		s.AddTool(mcpTool(def), r.mcpHandler(def.Name))
	}

	s.AddResource(
		mcp.NewResource(ResourceCurrentTime, "Current UTC time",
			mcp.WithResourceDescription("The current time in UTC"),
			mcp.WithMIMEType("text/plain"),
		),
		r.textResource(ResourceCurrentTime, currentTimeText),
	)
	s.AddResource(
		mcp.NewResource(ResourceTimezones, "Available timezones",
			mcp.WithResourceDescription("Common IANA timezone names grouped by region"),
			mcp.WithMIMEType("text/plain"),
		),
		r.textResource(ResourceTimezones, timezonesText),
	)

	return s
}

func mcpTool(def Definition) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(def.Description)}
	for _, a := range def.Arguments {
		propOpts := []mcp.PropertyOption{mcp.Description(a.Description)}
		if a.Required {
			propOpts = append(propOpts, mcp.Required())
		}
		if a.Default != "" {
			propOpts = append(propOpts, mcp.DefaultString(a.Default))
		}
		opts = append(opts, mcp.WithString(a.Name, propOpts...))
	}
	return mcp.NewTool(def.Name, opts...)
}

func (r *Registry) mcpHandler(name string) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := r.Call(ctx, name, request.GetArguments())
		if err != nil {
			switch {
			case errors.Is(err, guard.ErrUnauthorized):
				return mcp.NewToolResultError("unauthorized: a valid access token is required"), nil
			case errors.Is(err, guard.ErrInsufficientScope):
				def, _ := r.Lookup(name)
				return mcp.NewToolResultError(fmt.Sprintf("insufficient_scope: the %s scope is required", def.Scope)), nil
			case errors.Is(err, ErrInvalidArguments):
				return mcp.NewToolResultError(err.Error()), nil
			}
			return nil, err
		}

		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s result: %w", name, err)
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

// textResource serves a rendered resource to callers holding time:read.
func (r *Registry) textResource(uri string, render func(time.Time) string) mcpserver.ResourceHandlerFunc {
	return func(ctx context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if _, err := guard.CheckScope(ctx, ScopeRead); err != nil {
			return nil, fmt.Errorf("reading %s requires the %s scope: %w", uri, ScopeRead, err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      uri,
				MIMEType: "text/plain",
				Text:     render(r.now()),
			},
		}, nil
	}
}

func currentTimeText(now time.Time) string {
	utc := now.UTC()
	return fmt.Sprintf("Current UTC time:\nTimezone: UTC\nDateTime: %s\nDST: %t",
		utc.Format(DatetimeLayout), utc.IsDST())
}

func timezonesText(time.Time) string {
	regions := make(map[string][]string)
	var order []string
	for _, zone := range CommonTimezones {
		region, _, found := strings.Cut(zone, "/")
		if !found {
			region = "Other"
		}
		if _, seen := regions[region]; !seen {
			order = append(order, region)
		}
		regions[region] = append(regions[region], zone)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Available IANA Timezones (%d listed)\n", len(CommonTimezones))
	b.WriteString(strings.Repeat("=", 50))
	b.WriteString("\n")
	for _, region := range order {
		fmt.Fprintf(&b, "\n%s:\n", region)
		for _, zone := range regions[region] {
			fmt.Fprintf(&b, "  - %s\n", zone)
		}
	}
	b.WriteString("\nAny IANA timezone name is accepted by get_current_time and convert_time.\n")
	return b.String()
}
