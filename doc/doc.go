// Package doc embeds finitd's documentation sources so cmd/finitctl can
// render them without a separate data file to install alongside the
// binary.
package doc

import _ "embed"

//go:embed finitctl.1.md
var Finitctl1 []byte
