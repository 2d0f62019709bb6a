//go:build !unix

package destination

var accessWritable = func(string) error { return nil }
