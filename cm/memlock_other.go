//go:build !linux

package cm

func memlockDiagnostic() string { return "" }
