// Package adapter defines the uniform capability interface exposed by tool
// providers, plus the two concrete variants: subprocess adapters speaking a
// line-oriented JSON protocol over stdio, and in-process adapters wrapping a
// function table.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
)

// Transport identifies how a provider's adapter runs.
type Transport string

const (
	TransportSubprocess Transport = "subprocess"
	TransportInProcess  Transport = "in_process"
)

// AuthKind identifies the credential a provider needs before it can connect.
type AuthKind string

const (
	AuthNone        AuthKind = "none"
	AuthOAuthGoogle AuthKind = "oauth_google"
	AuthAPIKey      AuthKind = "api_key"
)

// Visibility controls whether a provider's tools are offered to the model in
// direct bootstrap mode. Hidden providers are still reachable through the
// catalog (e.g. memory, scheduler).
type Visibility string

const (
	VisibilityHidden      Visibility = "hidden"
	VisibilityUserVisible Visibility = "user_visible"
)

// Scope controls how adapter instances are keyed in the factory cache.
type Scope string

const (
	ScopeGlobal     Scope = "global"
	ScopePerRole    Scope = "per_role"
	ScopePerAccount Scope = "per_account"
)

// ProviderSpec is the static descriptor of a capability source.
type ProviderSpec struct {
	Key         string            `json:"key"`
	DisplayName string            `json:"display_name"`
	Transport   Transport         `json:"transport"`
	Command     string            `json:"command,omitempty"`
	Args        []string          `json:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Auth        AuthKind          `json:"auth"`
	Visibility  Visibility        `json:"visibility"`
	Scope       Scope             `json:"scope"`
	// CredentialsFile is the on-disk name the installed-app OAuth credentials
	// are written under in the adapter working directory (Google providers).
	CredentialsFile string `json:"credentials_file,omitempty"`
	// Sandbox runs the subprocess inside a locked-down container with
	// attached stdio instead of directly on the host.
	Sandbox bool `json:"sandbox,omitempty"`
	// Image is the container image used when Sandbox is set.
	Image string `json:"image,omitempty"`
}

// ToolDescriptor describes a single tool offered by a provider.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Provider    string          `json:"provider,omitempty"`
	// RequiresDetailedSchema marks tools whose full schema must be shown in
	// search_tool listings instead of the concise parameter summary.
	RequiresDetailedSchema bool `json:"requires_detailed_schema,omitempty"`
}

// ToolResult is the tagged result of a tool call.
type ToolResult struct {
	Type     string         `json:"type"` // "text" | "error"
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Accounts []string       `json:"accounts,omitempty"`
}

// IsError reports whether the result is the error variant.
func (r ToolResult) IsError() bool { return r.Type == "error" }

// TextResult builds the text variant.
func TextResult(text string) ToolResult {
	return ToolResult{Type: "text", Text: text}
}

// ErrorResult builds the error variant.
func ErrorResult(msg string) ToolResult {
	return ToolResult{Type: "error", Text: msg}
}

// Resource is an addressable piece of provider content.
type Resource struct {
	URI       string `json:"uri"`
	Name      string `json:"name,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// Adapter is the uniform operation set every provider implements.
type Adapter interface {
	Connect(ctx context.Context) error
	ListTools(ctx context.Context) ([]ToolDescriptor, error)
	CallTool(ctx context.Context, name string, args map[string]any) (ToolResult, error)
	ListResources(ctx context.Context) ([]Resource, error)
	ReadResource(ctx context.Context, uri string) ([]byte, string, error)
	IsConnected() bool
	Reconnect(ctx context.Context) error
	Close() error
}

// TransientError is a transport-level failure on a subprocess adapter. The
// factory retries the operation once through a reconnect before giving up.
type TransientError struct {
	Provider string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("adapter %s: transient failure: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError is an unrecoverable adapter failure: the process exited, the
// transport is closed, or a reconnect already failed.
type FatalError struct {
	Provider string
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("adapter %s: fatal failure: %v", e.Provider, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// UnknownToolError indicates the caller asked for a tool the adapter does not
// export. It is a caller fault and never retried.
type UnknownToolError struct {
	Provider string
	Tool     string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("adapter %s: unknown tool %q", e.Provider, e.Tool)
}
