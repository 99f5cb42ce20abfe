package lsp

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// FeatureKind classifies a feature's state snapshot.
type FeatureKind string

const (
	FeatureKindDocument  FeatureKind = "document"
	FeatureKindWorkspace FeatureKind = "workspace"
	FeatureKindWindow    FeatureKind = "window"
	FeatureKindStatic    FeatureKind = "static"
)

// FeatureState is a snapshot of a feature for diagnostics and tests.
// ID and Registrations are empty for static features; Matches is only
// meaningful for document features.
type FeatureState struct {
	Kind          FeatureKind `json:"kind"`
	ID            string      `json:"id,omitempty"`
	Registrations bool        `json:"registrations,omitempty"`
	Matches       bool        `json:"matches,omitempty"`
}

// RegistrationData is what a dynamic feature receives on register, either
// from a server registration or synthesized from static capabilities.
type RegistrationData struct {
	ID              string
	RegisterOptions json.RawMessage
}

// StaticFeature is a capability wired once during the initialize
// handshake.
type StaticFeature interface {
	// FillClientCapabilities writes the feature's client capabilities.
	FillClientCapabilities(caps *CapabilitiesBuilder)

	// Initialize sets the feature up from the negotiated server
	// capabilities. An error fails the start of the client.
	Initialize(caps *ServerCapabilities, selector DocumentSelector) error

	// State returns a snapshot of the feature.
	State() FeatureState

	// Clear releases everything the feature holds. Called on stop.
	Clear()
}

// InitializeParamsFiller is implemented by features that contribute to
// the initialize params beyond capabilities.
type InitializeParamsFiller interface {
	FillInitializeParams(params *InitializeParams)
}

// PreInitializer is implemented by features that want to see the server
// capabilities before any feature is initialized.
type PreInitializer interface {
	PreInitialize(caps *ServerCapabilities, selector DocumentSelector)
}

// DynamicFeature is a feature the server may register and unregister at
// runtime for the single method it owns.
type DynamicFeature interface {
	StaticFeature

	// RegistrationType is the protocol method the feature owns.
	RegistrationType() string

	Register(data RegistrationData) error
	Unregister(id string) error
}

// GetRegistration converts a statically announced server capability into
// registration data. capability may be absent, true, an options object or
// an options object carrying its own registration id.
//
// It returns an empty id and nil options when no registration results:
// the capability is absent or false, or no document selector is available
// from either the capability or the caller.
func GetRegistration(selector DocumentSelector, capability json.RawMessage) (string, json.RawMessage) {
	value := gjson.ParseBytes(capability)

	switch {
	case len(capability) == 0 || value.Type == gjson.Null:
		return "", nil

	case value.IsObject() && value.Get("id").Type == gjson.String:
		id := value.Get("id").String()
		if sel := value.Get("documentSelector"); sel.Exists() && sel.Type != gjson.Null {
			return id, cloneRaw(capability)
		}
		if selector == nil {
			return "", nil
		}
		options, err := sjson.SetBytes(cloneRaw(capability), "documentSelector", selector)
		if err != nil {
			return "", nil
		}
		return id, options

	case value.Type == gjson.True:
		if selector == nil {
			return "", nil
		}
		options, err := json.Marshal(struct {
			DocumentSelector DocumentSelector `json:"documentSelector"`
		}{selector})
		if err != nil {
			return "", nil
		}
		return uuid.NewString(), options

	case isWorkDoneProgressOptions(value):
		if selector == nil {
			return "", nil
		}
		options, err := sjson.SetBytes(cloneRaw(capability), "documentSelector", selector)
		if err != nil {
			return "", nil
		}
		return uuid.NewString(), options
	}

	return "", nil
}

// isWorkDoneProgressOptions reports whether v is an object whose
// workDoneProgress field, if present, is a boolean.
func isWorkDoneProgressOptions(v gjson.Result) bool {
	if !v.IsObject() {
		return false
	}
	wdp := v.Get("workDoneProgress")
	return !wdp.Exists() || wdp.IsBool()
}

func cloneRaw(raw json.RawMessage) []byte {
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}

// setDocumentSelector sets selector on options unless they already carry
// a non-null documentSelector.
func setDocumentSelector(options json.RawMessage, selector DocumentSelector) (json.RawMessage, error) {
	if sel := gjson.GetBytes(options, "documentSelector"); sel.Exists() && sel.Type != gjson.Null {
		return options, nil
	}
	return sjson.SetBytes(cloneRaw(options), "documentSelector", selector)
}
