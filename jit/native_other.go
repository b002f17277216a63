//go:build !amd64

package jit

const nativeArch = false
