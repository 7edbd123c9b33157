// Package contracts defines typed data transfer objects shared by the REST
// API and the MCP tool payloads.
package contracts

import (
	"time"
)

// Pagination describes the page window of a list response.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// ServerView mirrors a persisted server config in API responses.
type ServerView struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	URL         string            `json:"url,omitempty"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Description string            `json:"description,omitempty"`
	Enabled     bool              `json:"enabled"`
	Connected   bool              `json:"connected"`
	LastError   string            `json:"last_error,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	Tools       []ServerToolView  `json:"tools,omitempty"`
}

// ServerToolView is one indexed tool of a server, rendered without the
// server prefix on tool_name.
type ServerToolView struct {
	ToolName    string    `json:"tool_name"`
	DisplayName string    `json:"display_name"`
	ToolMD5     string    `json:"tool_md5"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// ServerCreate is the POST /api/mcp-servers request body. With Strict set,
// a failed initial connection rolls the created row back.
type ServerCreate struct {
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	URL         string            `json:"url,omitempty"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Description string            `json:"description,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
	Strict      bool              `json:"strict,omitempty"`
}

// ServerPatch is the PUT /api/mcp-servers/:id request body. Nil fields are
// left unchanged.
type ServerPatch struct {
	Name        *string           `json:"name,omitempty"`
	Type        *string           `json:"type,omitempty"`
	URL         *string           `json:"url,omitempty"`
	Command     *string           `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Description *string           `json:"description,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
}

// ListServersResponse is the GET /api/mcp-servers response.
type ListServersResponse struct {
	Data       []ServerView `json:"data"`
	Pagination Pagination   `json:"pagination"`
}

// ServerResponse wraps a single server view.
type ServerResponse struct {
	Data ServerView `json:"data"`
}

// DeleteServerResponse is the DELETE /api/mcp-servers/:id response.
type DeleteServerResponse struct {
	DeletedID         string `json:"deleted_id"`
	DeletedServerName string `json:"deleted_server_name"`
}

// HealthResponse is the GET /api/health response.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Server    string    `json:"server"`
	Version   string    `json:"version"`
}

// Retrieval payloads.

// NewToolEntry is a candidate the session has not seen before.
type NewToolEntry struct {
	Rank         int         `json:"rank"`
	ToolName     string      `json:"tool_name"`
	MD5          string      `json:"md5"`
	Description  string      `json:"description"`
	Similarity   float64     `json:"similarity"`
	InputSchema  string      `json:"input_schema,omitempty"`
	OutputSchema interface{} `json:"output_schema,omitempty"`
}

// KnownToolEntry is a candidate already surfaced to the session; only the
// identity fields are repeated.
type KnownToolEntry struct {
	Rank     int    `json:"rank"`
	ToolName string `json:"tool_name"`
	MD5      string `json:"md5"`
}

// QueryNewTools holds the unseen candidates for one input description.
type QueryNewTools struct {
	QueryIndex int            `json:"query_index"`
	Query      string         `json:"query"`
	Tools      []NewToolEntry `json:"tools"`
}

// QueryKnownTools holds the already-seen candidates for one input description.
type QueryKnownTools struct {
	QueryIndex int              `json:"query_index"`
	Query      string           `json:"query"`
	Tools      []KnownToolEntry `json:"tools"`
}

// RetrievalSummary aggregates counts across all queries of one call.
type RetrievalSummary struct {
	NewToolsCount       int `json:"new_tools_count"`
	KnownToolsCount     int `json:"known_tools_count"`
	SessionHistoryCount int `json:"session_history_count"`
}

// RetrievalResult is the payload of one retriever call.
type RetrievalResult struct {
	SessionID         string            `json:"session_id"`
	NewTools          []QueryNewTools   `json:"new_tools"`
	KnownTools        []QueryKnownTools `json:"known_tools"`
	Summary           RetrievalSummary  `json:"summary"`
	ServerDescription string            `json:"server_description,omitempty"`
}
