//go:build !linux

package bytefile

import "os"

func datasync(f *os.File) error {
	return f.Sync()
}
