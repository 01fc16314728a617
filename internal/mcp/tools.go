package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// Tool names.
const (
	ToolHello      = "hello"
	ToolServerInfo = "server_info"
)

const maxNameLen = 100

var languagePattern = regexp.MustCompile(`^[a-z]{2}$`)

// greetings maps a language code to its salutation. Unknown codes use "en".
var greetings = map[string]string{
	"en": "Hello",
	"es": "¡Hola",
	"fr": "Bonjour",
	"de": "Hallo",
	"pt": "Olá",
	"it": "Ciao",
}

// Greeting renders the salutation for name in language.
func Greeting(language, name string) string {
	word, ok := greetings[language]
	if !ok {
		word = greetings["en"]
	}
	return fmt.Sprintf("%s, %s!", word, name)
}

// HelloRequest holds validated arguments for the hello tool.
type HelloRequest struct {
	Name     string
	Language string
	Format   string
}

// HelloResponse is the json-format result of the hello tool.
type HelloResponse struct {
	Greeting  string    `json:"greeting"`
	Name      string    `json:"name"`
	Language  string    `json:"language"`
	Timestamp time.Time `json:"timestamp"`
}

// ServerInfo is the result of the server_info tool and resource.
type ServerInfo struct {
	Name              string    `json:"name"`
	Version           string    `json:"version"`
	Status            string    `json:"status"`
	UptimeSeconds     float64   `json:"uptime_seconds"`
	TotalRequests     int64     `json:"total_requests"`
	ActiveConnections int64     `json:"active_connections"`
	Capabilities      []string  `json:"capabilities"`
	LastRestart       time.Time `json:"last_restart"`
}

func (s *Server) registerTools() {
	// hello: greet a user in one of several languages.
	s.mcpServer.AddTool(
		mcplib.NewTool(ToolHello,
			mcplib.WithDescription("Simple greeting tool that says hello to a user"),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("name",
				mcplib.Description("Name to greet"),
				mcplib.Required(),
				mcplib.MinLength(1),
				mcplib.MaxLength(maxNameLen),
			),
			mcplib.WithString("language",
				mcplib.Description("Two-letter language code for the greeting"),
				mcplib.Pattern(`^[a-z]{2}$`),
				mcplib.DefaultString("en"),
			),
			mcplib.WithString("format",
				mcplib.Description("Response format"),
				mcplib.Enum("plain", "json", "html"),
				mcplib.DefaultString("plain"),
			),
		),
		s.handleHello,
	)

	// server_info: report name, version, uptime and usage counters.
	s.mcpServer.AddTool(
		mcplib.NewTool(ToolServerInfo,
			mcplib.WithDescription("Get server information and status"),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleServerInfo,
	)
}

// ParseHelloRequest validates and normalizes hello arguments.
func ParseHelloRequest(request mcplib.CallToolRequest) (HelloRequest, error) {
	name := strings.TrimSpace(request.GetString("name", ""))
	language := request.GetString("language", "en")
	format := request.GetString("format", "plain")

	var errs []error
	switch n := utf8.RuneCountInString(name); {
	case n == 0:
		errs = append(errs, errors.New("name is required"))
	case n > maxNameLen:
		errs = append(errs, fmt.Errorf("name must be at most %d characters", maxNameLen))
	case strings.IndexFunc(name, unicode.IsLetter) < 0:
		errs = append(errs, errors.New("name must contain at least one letter"))
	}
	if !languagePattern.MatchString(language) {
		errs = append(errs, fmt.Errorf("language must be two lowercase letters, got %q", language))
	}
	switch format {
	case "plain", "json", "html":
	default:
		errs = append(errs, fmt.Errorf("format must be plain, json or html, got %q", format))
	}
	if len(errs) > 0 {
		return HelloRequest{}, errors.Join(errs...)
	}
	return HelloRequest{Name: name, Language: language, Format: format}, nil
}

func (s *Server) handleHello(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	req, err := ParseHelloRequest(request)
	if err != nil {
		return errorResult("Error: " + err.Error()), nil
	}

	greeting := Greeting(req.Language, req.Name)
	var text string
	switch req.Format {
	case "json":
		data, err := json.MarshalIndent(HelloResponse{
			Greeting:  greeting,
			Name:      req.Name,
			Language:  req.Language,
			Timestamp: s.now().UTC(),
		}, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("mcp: marshal greeting: %w", err)
		}
		text = string(data)
	case "html":
		text = fmt.Sprintf("<h1>%s</h1><p>Welcome, <strong>%s</strong>!</p>", greeting, req.Name)
	default:
		text = greeting
	}

	s.requests.Add(1)
	s.logger.Debug("mcp: greeted", "language", req.Language, "format", req.Format)
	return mcplib.NewToolResultText(text), nil
}

func (s *Server) handleServerInfo(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(s.Info(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal server info: %w", err)
	}
	return mcplib.NewToolResultText(string(data)), nil
}

// Info snapshots the server status.
func (s *Server) Info() ServerInfo {
	return ServerInfo{
		Name:              s.name,
		Version:           s.version,
		Status:            "running",
		UptimeSeconds:     s.now().Sub(s.started).Seconds(),
		TotalRequests:     s.requests.Load(),
		ActiveConnections: s.sessions.Load(),
		Capabilities:      []string{ToolHello, ToolServerInfo},
		LastRestart:       s.started,
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
