//go:build !linux

package webdav

import "os"

// statOf 非Linux平台没有可用的inode，以修改时间作为创建时间
func statOf(_ string, info os.FileInfo) fileStat {
	return fileStat{created: info.ModTime()}
}
