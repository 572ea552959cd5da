//go:build !unix

package sidecar

import "os"

// 无flock时仅靠进程内互斥
func lockFile(*os.File, bool) error { return nil }

func unlockFile(*os.File) error { return nil }
