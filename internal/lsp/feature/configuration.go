package feature

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/dshills/lspclient/internal/lsp"
)

// Configuration implements workspace/didChangeConfiguration. The server
// registers the sections it wants pushed; Notify sends their current
// values. workspace/configuration pulls are answered by the client's host.
type Configuration struct {
	*WorkspaceFeature
	settings lsp.Configuration
}

// NewConfiguration creates the feature reading settings from source.
func NewConfiguration(client Client, source lsp.Configuration) *Configuration {
	return &Configuration{
		WorkspaceFeature: newWorkspaceFeature(client, "workspace/didChangeConfiguration"),
		settings:         source,
	}
}

// FillClientCapabilities implements lsp.StaticFeature.
func (f *Configuration) FillClientCapabilities(caps *lsp.CapabilitiesBuilder) {
	caps.Set("workspace.configuration", true)
	caps.Set("workspace.didChangeConfiguration.dynamicRegistration", true)
}

// Initialize implements lsp.StaticFeature.
func (f *Configuration) Initialize(*lsp.ServerCapabilities, lsp.DocumentSelector) error {
	return nil
}

// Register records the registration and pushes its sections once.
func (f *Configuration) Register(data lsp.RegistrationData) error {
	sections, err := parseSections(data.RegisterOptions)
	if err != nil {
		return err
	}
	if err := f.WorkspaceFeature.Register(data); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()
	if err := f.send(ctx, sections); err != nil {
		f.client.Logger().Debug("pushing configuration failed", zap.Error(err))
	}
	return nil
}

// Sections returns the registered sections in registration order.
func (f *Configuration) Sections() []string {
	var out []string
	seen := make(map[string]bool)
	f.each(func(_ string, options json.RawMessage) {
		sections, _ := parseSections(options)
		for _, s := range sections {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	})
	return out
}

// Notify sends the current settings of every registered section, or null
// settings when nothing is registered.
func (f *Configuration) Notify(ctx context.Context) error {
	return f.send(ctx, f.Sections())
}

func (f *Configuration) send(ctx context.Context, sections []string) error {
	return f.client.SendNotification(ctx, "workspace/didChangeConfiguration",
		lsp.DidChangeConfigurationParams{Settings: f.collect(sections)})
}

// collect nests the value of each dotted section under its path, so
// "go.buildFlags" lands at {"go": {"buildFlags": ...}}.
func (f *Configuration) collect(sections []string) any {
	if len(sections) == 0 {
		return nil
	}
	out := make(map[string]any)
	for _, section := range sections {
		value := f.settings.Get(section)
		keys := strings.Split(section, ".")
		m := out
		for _, k := range keys[:len(keys)-1] {
			next, ok := m[k].(map[string]any)
			if !ok {
				next = make(map[string]any)
				m[k] = next
			}
			m = next
		}
		m[keys[len(keys)-1]] = value
	}
	return out
}

// parseSections reads the section field of register options, which may be
// a string or a list of strings.
func parseSections(options json.RawMessage) ([]string, error) {
	if len(options) == 0 {
		return nil, nil
	}
	section := gjson.GetBytes(options, "section")
	switch {
	case !section.Exists() || section.Type == gjson.Null:
		return nil, nil
	case section.Type == gjson.String:
		return []string{section.String()}, nil
	case section.IsArray():
		var out []string
		for _, s := range section.Array() {
			if s.Type != gjson.String {
				return nil, fmt.Errorf("invalid configuration section %s", s.Raw)
			}
			out = append(out, s.String())
		}
		return out, nil
	}
	return nil, fmt.Errorf("invalid configuration section %s", section.Raw)
}
