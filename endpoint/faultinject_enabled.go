//go:build !talon_nofault
// +build !talon_nofault

package endpoint

// Fault injection is compiled in by default and stripped from
// production builds with -tags talon_nofault.
const faultInjectionEnabled = true
