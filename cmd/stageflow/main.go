// Command stageflow runs and validates stageflow pipelines.
package main

import (
	"fmt"
	"os"
	"runtime"
)

// Build information
const (
	Version = "0.1.0"
	appName = "stageflow"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
