package lsp

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// CapabilitiesBuilder accumulates the client capabilities sent in the
// initialize request. Features write into it in registration order using
// gjson/sjson dot paths such as "textDocument.hover.dynamicRegistration".
//
// Writes to the same key are last-writer-wins. Ensure only creates an
// object when the path is missing, which is the safe way for a feature to
// add keys beneath a section another feature may already have filled.
type CapabilitiesBuilder struct {
	raw []byte
	err error
}

// NewCapabilitiesBuilder returns a builder holding an empty object.
func NewCapabilitiesBuilder() *CapabilitiesBuilder {
	return &CapabilitiesBuilder{raw: []byte("{}")}
}

// Set stores value at path, replacing what was there.
func (b *CapabilitiesBuilder) Set(path string, value any) *CapabilitiesBuilder {
	if b.err != nil {
		return b
	}
	raw, err := sjson.SetBytes(b.raw, path, value)
	if err != nil {
		b.err = fmt.Errorf("set capability %s: %w", path, err)
		return b
	}
	b.raw = raw
	return b
}

// SetRaw stores a raw JSON value at path, replacing what was there.
func (b *CapabilitiesBuilder) SetRaw(path string, value json.RawMessage) *CapabilitiesBuilder {
	if b.err != nil {
		return b
	}
	raw, err := sjson.SetRawBytes(b.raw, path, value)
	if err != nil {
		b.err = fmt.Errorf("set capability %s: %w", path, err)
		return b
	}
	b.raw = raw
	return b
}

// Ensure creates an empty object at path unless a value already exists.
func (b *CapabilitiesBuilder) Ensure(path string) *CapabilitiesBuilder {
	if b.Get(path).Exists() {
		return b
	}
	return b.SetRaw(path, json.RawMessage("{}"))
}

// Get returns the current value at path.
func (b *CapabilitiesBuilder) Get(path string) gjson.Result {
	return gjson.GetBytes(b.raw, path)
}

// Build returns the accumulated capabilities, or the first error a write
// produced.
func (b *CapabilitiesBuilder) Build() (json.RawMessage, error) {
	if b.err != nil {
		return nil, b.err
	}
	out := make([]byte, len(b.raw))
	copy(out, b.raw)
	return out, nil
}

// SaveOptions are the save options of text document sync.
type SaveOptions struct {
	IncludeText bool `json:"includeText"`
}

// TextDocumentSyncOptions is the structured form of the server's
// textDocumentSync capability.
type TextDocumentSyncOptions struct {
	OpenClose         bool                 `json:"openClose"`
	Change            TextDocumentSyncKind `json:"change"`
	WillSave          bool                 `json:"willSave,omitempty"`
	WillSaveWaitUntil bool                 `json:"willSaveWaitUntil,omitempty"`
	Save              *SaveOptions         `json:"save,omitempty"`
}

// UnmarshalJSON accepts save as either a boolean or an object.
func (o *TextDocumentSyncOptions) UnmarshalJSON(data []byte) error {
	type alias TextDocumentSyncOptions
	var aux struct {
		alias
		Save json.RawMessage `json:"save,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*o = TextDocumentSyncOptions(aux.alias)
	o.Save = nil

	switch save := gjson.ParseBytes(aux.Save); save.Type {
	case gjson.True:
		o.Save = &SaveOptions{}
	case gjson.JSON:
		var opts SaveOptions
		if err := json.Unmarshal(aux.Save, &opts); err != nil {
			return fmt.Errorf("textDocumentSync.save: %w", err)
		}
		o.Save = &opts
	}
	return nil
}

// ResolveTextDocumentSync normalizes the textDocumentSync capability,
// which may be a sync kind number or an options object. It returns nil
// when the capability is absent or null.
func ResolveTextDocumentSync(value gjson.Result) (*TextDocumentSyncOptions, error) {
	switch value.Type {
	case gjson.Null:
		return nil, nil
	case gjson.Number:
		kind := TextDocumentSyncKind(value.Int())
		if kind == TextDocumentSyncKindNone {
			return &TextDocumentSyncOptions{OpenClose: false, Change: TextDocumentSyncKindNone}, nil
		}
		return &TextDocumentSyncOptions{
			OpenClose: true,
			Change:    kind,
			Save:      &SaveOptions{IncludeText: false},
		}, nil
	case gjson.JSON:
		if !value.IsObject() {
			return nil, fmt.Errorf("textDocumentSync: unexpected value %s", value.Raw)
		}
		var opts TextDocumentSyncOptions
		if err := json.Unmarshal([]byte(value.Raw), &opts); err != nil {
			return nil, fmt.Errorf("textDocumentSync: %w", err)
		}
		return &opts, nil
	default:
		return nil, fmt.Errorf("textDocumentSync: unexpected value %s", value.Raw)
	}
}

// ServerCapabilities holds the capabilities a server announced in its
// initialize result, plus the resolved text document sync options.
type ServerCapabilities struct {
	raw json.RawMessage

	// ResolvedTextDocumentSync is the normalized textDocumentSync value,
	// nil when the server did not announce one. The raw document carries
	// it under "resolvedTextDocumentSync": a sync kind is expanded to
	// options there, an options object is copied unchanged.
	ResolvedTextDocumentSync *TextDocumentSyncOptions
}

// NewServerCapabilities parses raw server capabilities and resolves the
// text document sync capability.
func NewServerCapabilities(raw json.RawMessage) (*ServerCapabilities, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("server capabilities: invalid JSON")
	}

	announced := gjson.GetBytes(raw, "textDocumentSync")
	sync, err := ResolveTextDocumentSync(announced)
	if err != nil {
		return nil, err
	}

	caps := &ServerCapabilities{raw: raw, ResolvedTextDocumentSync: sync}
	if sync != nil {
		var updated []byte
		if announced.IsObject() {
			// Options objects are kept verbatim, unknown keys included.
			updated, err = sjson.SetRawBytes([]byte(raw), "resolvedTextDocumentSync", []byte(announced.Raw))
		} else {
			updated, err = sjson.SetBytes([]byte(raw), "resolvedTextDocumentSync", sync)
		}
		if err != nil {
			return nil, fmt.Errorf("server capabilities: %w", err)
		}
		caps.raw = updated
	}
	return caps, nil
}

// Raw returns the capability document.
func (c *ServerCapabilities) Raw() json.RawMessage {
	if c == nil {
		return json.RawMessage("{}")
	}
	return c.raw
}

// Get looks up a capability by dot path.
func (c *ServerCapabilities) Get(path string) gjson.Result {
	if c == nil {
		return gjson.Result{}
	}
	return gjson.GetBytes(c.raw, path)
}

// Capability returns the raw value at path, or nil when absent.
func (c *ServerCapabilities) Capability(path string) json.RawMessage {
	v := c.Get(path)
	if !v.Exists() {
		return nil
	}
	return json.RawMessage(v.Raw)
}

// Has reports whether the capability at path is present and neither
// false nor null.
func (c *ServerCapabilities) Has(path string) bool {
	v := c.Get(path)
	return v.Exists() && v.Type != gjson.False && v.Type != gjson.Null
}

// TextDocumentSyncKind returns the resolved change sync kind.
func (c *ServerCapabilities) TextDocumentSyncKind() TextDocumentSyncKind {
	if c == nil || c.ResolvedTextDocumentSync == nil {
		return TextDocumentSyncKindNone
	}
	return c.ResolvedTextDocumentSync.Change
}
