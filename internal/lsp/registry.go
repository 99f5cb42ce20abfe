package lsp

import (
	"fmt"

	"go.uber.org/zap"
)

// RegisterFeature adds a feature. Features take part in the next start in
// the order they were registered. A dynamic feature claiming a method
// another dynamic feature already owns is rejected.
func (c *Client) RegisterFeature(f StaticFeature) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d, ok := f.(DynamicFeature); ok {
		method := d.RegistrationType()
		if _, exists := c.dynamic[method]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateFeature, method)
		}
		c.dynamic[method] = d
	}
	c.features = append(c.features, f)
	return nil
}

// RegisterFeatures registers each feature in order, stopping at the
// first error.
func (c *Client) RegisterFeatures(features ...StaticFeature) error {
	for _, f := range features {
		if err := c.RegisterFeature(f); err != nil {
			return err
		}
	}
	return nil
}

// GetFeature returns the dynamic feature owning method.
func (c *Client) GetFeature(method string) (DynamicFeature, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.dynamic[method]
	return f, ok
}

// Features returns the registered features in registration order.
func (c *Client) Features() []StaticFeature {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StaticFeature, len(c.features))
	copy(out, c.features)
	return out
}

// FeatureStates returns a state snapshot of every feature.
func (c *Client) FeatureStates() []FeatureState {
	features := c.Features()
	states := make([]FeatureState, 0, len(features))
	for _, f := range features {
		states = append(states, f.State())
	}
	return states
}

// clearFeatures clears the features last registered first.
func (c *Client) clearFeatures() {
	features := c.Features()
	for i := len(features) - 1; i >= 0; i-- {
		c.clearFeature(features[i])
	}
}

func (c *Client) clearFeature(f StaticFeature) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("feature clear panicked",
				zap.String("feature", fmt.Sprintf("%T", f)), zap.Any("panic", r))
		}
	}()
	f.Clear()
}
