//go:build windows

package syncengine

import "os"

func foregroundSignals() []os.Signal { return nil }
