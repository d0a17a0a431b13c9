package session

import (
	"fmt"
	"os"
)

// RotateAppLog shifts app.log into numbered backups when it exceeds maxBytes:
// app.log -> app.log.1 -> app.log.2, discarding the oldest past maxFiles.
// Called before a new log stream is attached so each stream starts on a
// bounded file.
func RotateAppLog(path string, maxBytes int64, maxFiles int) error {
	if maxBytes <= 0 || maxFiles <= 0 {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Size() < maxBytes {
		return nil
	}

	oldest := fmt.Sprintf("%s.%d", path, maxFiles)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		return err
	}
	for i := maxFiles - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", path, i)
		to := fmt.Sprintf("%s.%d", path, i+1)
		if err := os.Rename(from, to); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return os.Rename(path, path+".1")
}
