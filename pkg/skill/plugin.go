// SPDX-License-Identifier: Apache-2.0

//go:build !windows

package skill

import (
	"fmt"
	"plugin"
)

func openPluginSymbol(path, symbol string) (any, error) {
	if path == "" {
		return nil, fmt.Errorf("plugin path is empty")
	}
	plug, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plugin %s: %w", path, err)
	}
	sym, err := plug.Lookup(symbol)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", symbol, err)
	}
	return sym, nil
}
