// SPDX-License-Identifier: Apache-2.0

//go:build windows

package skill

import "fmt"

func openPluginSymbol(path, _ string) (any, error) {
	return nil, fmt.Errorf("go plugin skills are not supported on Windows: %s", path)
}
