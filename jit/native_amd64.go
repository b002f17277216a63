package jit

const nativeArch = true
