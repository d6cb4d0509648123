// Package tools implements the tool runtime: provider registration, JSON
// schema emission and validation of tool calls, dual-layer (global +
// per-conversation) state, and dispatch to the owning provider.
package tools

import "context"

// ParamType enumerates the primitive types a tool parameter may declare.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
	TypeObject  ParamType = "object"
	TypeArray   ParamType = "array"
)

// Param is one node of a tool's parameter tree.
type Param struct {
	Type        ParamType
	Description string
	Required    bool

	// Default is stamped into the arguments when an optional parameter is
	// absent. Ignored when Required is true.
	Default any

	// Properties declares the children of an object parameter.
	Properties map[string]*Param

	// Open marks an object as accepting (and forwarding) properties beyond
	// those declared. Closed objects drop undeclared properties silently.
	Open bool

	// Items declares the element schema of an array parameter. A nil Items
	// accepts elements of any type.
	Items *Param

	// Enum restricts a string parameter to a fixed set of values.
	Enum []string
}

// Tool is the declarative record a provider publishes for one capability.
// Name is the stable identifier, unique across the whole process; the
// description is fed to the model verbatim.
type Tool struct {
	Name        string
	Title       string
	Description string
	Params      map[string]*Param
	Returns     *Param
}

// Provider is the contract a tool plugin implements.
//
// Declare is called once at registration and returns the provider's tools,
// its initial global state, and the template that seeds each conversation's
// state. Invoke dispatches one tool call; the provider may mutate both state
// maps in place. Providers are process singletons.
type Provider interface {
	Name() string
	Declare() (tools []Tool, globalState map[string]any, convTemplate map[string]any)
	Invoke(ctx context.Context, toolName string, args map[string]any, convState, globalState map[string]any) (any, error)
}

// Image is the one rich result variant in scope: a tool that produces visual
// output returns *Image and the driver forwards it to the model as an image
// content block instead of stringified JSON.
type Image struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data_b64"`
}

// Well-known keys stamped into per-conversation state before Invoke.
const (
	StateWorkingDirectory = "_working_directory"
	StateConversationID   = "_conversation_id"
)
