package bridge

import (
	"github.com/danmuck/flightctl/internal/hydration"
	"github.com/danmuck/flightctl/internal/valuepath"
)

// Response types carried by an inspectedElement event.
const (
	ResponseFullData     = "full-data"
	ResponseHydratedPath = "hydrated-path"
	ResponseNoChange     = "no-change"
	ResponseNotFound     = "not-found"
	ResponseError        = "error"
)

// Sections of an inspected element that paths may address.
const (
	SectionProps   = "props"
	SectionState   = "state"
	SectionHooks   = "hooks"
	SectionContext = "context"
)

type RendererParams struct {
	RendererID int `json:"rendererID"`
}

type ElementParams struct {
	ID         int `json:"id"`
	RendererID int `json:"rendererID"`
}

type PathParams struct {
	ID         int            `json:"id"`
	Path       valuepath.Path `json:"path"`
	RendererID int            `json:"rendererID"`
}

type StoreAsGlobalParams struct {
	Count      uint64         `json:"count"`
	ID         int            `json:"id"`
	Path       valuepath.Path `json:"path"`
	RendererID int            `json:"rendererID"`
}

// InspectElementParams asks the backend for one element. A non-nil Path
// names the subtree the frontend wants in full.
type InspectElementParams struct {
	ForceFullData bool           `json:"forceFullData"`
	ID            int            `json:"id"`
	Path          valuepath.Path `json:"path"`
	RendererID    int            `json:"rendererID"`
	RequestID     uint64         `json:"requestID"`
}

// OverrideValueParams sets the value at Path inside section Type.
type OverrideValueParams struct {
	ID         int            `json:"id"`
	RendererID int            `json:"rendererID"`
	Type       string         `json:"type"`
	Path       valuepath.Path `json:"path"`
	Value      any            `json:"value"`
}

type DeletePathParams struct {
	ID         int            `json:"id"`
	RendererID int            `json:"rendererID"`
	Type       string         `json:"type"`
	Path       valuepath.Path `json:"path"`
}

type RenamePathParams struct {
	ID         int            `json:"id"`
	RendererID int            `json:"rendererID"`
	Type       string         `json:"type"`
	OldPath    valuepath.Path `json:"oldPath"`
	NewPath    valuepath.Path `json:"newPath"`
}

// MessageCount is an error or warning message and how often it was seen.
type MessageCount struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// SerializedElement is the short form of an element used in owner lists.
type SerializedElement struct {
	ID          int    `json:"id"`
	DisplayName string `json:"displayName"`
	Type        string `json:"type"`
	Key         string `json:"key,omitempty"`
}

// InspectedElementBackend is an element as the backend sends it, with every
// section dehydrated.
type InspectedElementBackend struct {
	ID                  int                   `json:"id"`
	DisplayName         string                `json:"displayName"`
	Type                string                `json:"type"`
	Key                 string                `json:"key,omitempty"`
	CanEditHooks        bool                  `json:"canEditHooks"`
	CanEditProps        bool                  `json:"canEditFunctionProps"`
	CanToggleError      bool                  `json:"canToggleError"`
	IsErrored           bool                  `json:"isErrored"`
	Owners              []SerializedElement   `json:"owners"`
	Props               *hydration.Dehydrated `json:"props"`
	State               *hydration.Dehydrated `json:"state"`
	Hooks               *hydration.Dehydrated `json:"hooks"`
	Context             *hydration.Dehydrated `json:"context"`
	Errors              []MessageCount        `json:"errors"`
	Warnings            []MessageCount        `json:"warnings"`
	RendererPackageName string                `json:"rendererPackageName"`
	RendererVersion     string                `json:"rendererVersion"`
}

// InspectedElementPayload answers an InspectElementParams request.
// ResponseID echoes the request id. Element is set for full-data, Path and
// Value for hydrated-path, and the error fields for error.
type InspectedElementPayload struct {
	ID         int                      `json:"id"`
	ResponseID uint64                   `json:"responseID"`
	Type       string                   `json:"type"`
	Element    *InspectedElementBackend `json:"element,omitempty"`
	Path       valuepath.Path           `json:"path,omitempty"`
	Value      *hydration.Dehydrated    `json:"value,omitempty"`
	ErrorType  string                   `json:"errorType,omitempty"`
	Message    string                   `json:"message,omitempty"`
	Stack      string                   `json:"stack,omitempty"`
}
