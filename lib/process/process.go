// Copyright 2026 The Corral Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers. It covers the
// one legitimate raw-stderr pattern in the corral binaries: fatal
// error reporting before the structured logger exists or after it is
// gone.
package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with code 1. Use it
// in main() for errors from run().
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
