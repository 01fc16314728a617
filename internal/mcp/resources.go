package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// Resource URIs.
const (
	ResourceServerInfo      = "mcpgate://server/info"
	ResourceGreetingPrefix  = "mcpgate://greetings/"
	resourceGreetingPattern = ResourceGreetingPrefix + "{language}"
)

func (s *Server) registerResources() {
	// mcpgate://server/info: the same snapshot server_info returns.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			ResourceServerInfo,
			"Server Info",
			mcplib.WithResourceDescription("Server name, version, uptime and usage counters"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleServerInfoResource,
	)

	// mcpgate://greetings/{language}: the salutation for one language.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			resourceGreetingPattern,
			"Greeting",
			mcplib.WithTemplateDescription("Greeting word for a two-letter language code"),
			mcplib.WithTemplateMIMEType("text/plain"),
		),
		s.handleGreeting,
	)
}

func (s *Server) handleServerInfoResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(s.Info(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal server info: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      ResourceServerInfo,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleGreeting(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	language, err := parseGreetingURI(uri)
	if err != nil {
		return nil, err
	}
	word, ok := greetings[language]
	if !ok {
		return nil, fmt.Errorf("mcp: no greeting for language %q", language)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "text/plain",
			Text:     word,
		},
	}, nil
}

// parseGreetingURI extracts the language code from
// mcpgate://greetings/{language}.
func parseGreetingURI(uri string) (string, error) {
	language, ok := strings.CutPrefix(uri, ResourceGreetingPrefix)
	if !ok {
		return "", fmt.Errorf("mcp: invalid greeting URI: %s", uri)
	}
	if !languagePattern.MatchString(language) {
		return "", fmt.Errorf("mcp: invalid language in greeting URI: %q", language)
	}
	return language, nil
}
