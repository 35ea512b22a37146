//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package cache

func freeBytes(string) (int64, error) { return -1, nil }
