package embedded

import (
	_ "embed"
)

//go:embed bridged.yaml
var bridgedConfig []byte

// BridgedConfig returns the stock tiliqua-bridged configuration. It is
// the built-in fallback when no config file is found, and a template
// for operators to copy.
func BridgedConfig() []byte {
	return bridgedConfig
}
