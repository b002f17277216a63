//go:build !(linux || darwin)

package jit

const execSupported = false

// mapCode returns heap memory; units on such an arena run on the portable
// machine.
func mapCode(n int) ([]byte, error) {
	return make([]byte, n), nil
}

func protectCode(mem []byte, off, n int, fn func()) error {
	fn()
	return nil
}
