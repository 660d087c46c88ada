//go:build !unix

package workerproc

func harden() error { return nil }
