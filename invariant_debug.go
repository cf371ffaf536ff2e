//go:build netreactor_debug

package netreactor

const strictInvariants = true
