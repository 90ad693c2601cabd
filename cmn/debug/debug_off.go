//go:build !debug

// Package debug provides build-tag gated assertions: a no-op in release
// builds (tag "debug" absent), active checks when built with -tags debug.
package debug

func ON() bool { return false }

func Infof(_ string, _ ...any) {}

func Func(_ func()) {}

func Assert(_ bool, _ ...any)            {}
func AssertFunc(_ func() bool, _ ...any) {}
func AssertNoErr(_ error)                {}
func Assertf(_ bool, _ string, _ ...any) {}
