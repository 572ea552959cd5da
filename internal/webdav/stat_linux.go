//go:build linux

package webdav

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// statOf 读取inode和ctime
func statOf(fullPath string, info os.FileInfo) fileStat {
	var st unix.Stat_t
	if err := unix.Stat(fullPath, &st); err != nil {
		return fileStat{created: info.ModTime()}
	}
	return fileStat{
		inode:   st.Ino,
		created: time.Unix(int64(st.Ctim.Sec), int64(st.Ctim.Nsec)),
	}
}
