//go:build talon_nofault
// +build talon_nofault

package endpoint

const faultInjectionEnabled = false
