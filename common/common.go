// Package common holds shared constants for abnet components.
package common

// PackageName identifies this module in metrics and logs.
const PackageName = "abnet"

// Version is the service version reported by binaries. Overridden at build
// time via -ldflags.
var Version = "dev"
