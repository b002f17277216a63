//go:build linux || darwin

package jit

import (
	"syscall"
)

const execSupported = true

// mapCode maps n bytes of anonymous memory, readable and executable.
func mapCode(n int) ([]byte, error) {
	b, err := syscall.Mmap(-1, 0, n, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_PRIVATE|syscall.MAP_ANON)
	if err != nil {
		return nil, err
	}
	if err := syscall.Mprotect(b, syscall.PROT_READ|syscall.PROT_EXEC); err != nil {
		syscall.Munmap(b)
		return nil, err
	}
	return b, nil
}

// protectCode makes the pages of mem covering [off, off+n) writable while
// fn runs. They stay executable throughout: other units on the same pages
// may be running.
func protectCode(mem []byte, off, n int, fn func()) error {
	page := syscall.Getpagesize()
	lo := off &^ (page - 1)
	hi := min(len(mem), (off+n+page-1)&^(page-1))
	pages := mem[lo:hi]
	if err := syscall.Mprotect(pages, syscall.PROT_READ|syscall.PROT_WRITE|syscall.PROT_EXEC); err != nil {
		return err
	}
	fn()
	return syscall.Mprotect(pages, syscall.PROT_READ|syscall.PROT_EXEC)
}
