package corfs

import (
	"io"
	"os"
	"path/filepath"
)

// LocalFileSystem wraps the host file system.
type LocalFileSystem struct{}

// ListFiles lists files that match pathGlob. A directory matches all files
// directly inside it.
func (l *LocalFileSystem) ListFiles(pathGlob string) ([]FileInfo, error) {
	globbed, err := filepath.Glob(pathGlob)
	if err != nil {
		return nil, err
	}

	files := make([]FileInfo, 0)
	for _, name := range globbed {
		info, err := os.Stat(name)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, FileInfo{Name: name, Size: info.Size()})
			continue
		}

		entries, err := os.ReadDir(name)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			child, err := entry.Info()
			if err != nil {
				return nil, err
			}
			files = append(files, FileInfo{
				Name: filepath.Join(name, entry.Name()),
				Size: child.Size(),
			})
		}
	}
	return files, nil
}

func (l *LocalFileSystem) Stat(filePath string) (FileInfo, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Name: filePath, Size: info.Size()}, nil
}

// OpenReader opens a reader to the file at filePath, seeked to startAt.
func (l *LocalFileSystem) OpenReader(filePath string, startAt int64) (io.ReadCloser, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	if startAt > 0 {
		if _, err := f.Seek(startAt, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// OpenWriter creates parent directories as needed and truncates the file.
func (l *LocalFileSystem) OpenWriter(filePath string) (io.WriteCloser, error) {
	if dir := filepath.Dir(filePath); dir != "" {
		if err := os.MkdirAll(dir, 0777); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0664)
}

func (l *LocalFileSystem) Delete(filePath string) error {
	return os.Remove(filePath)
}

func (l *LocalFileSystem) Join(elem ...string) string {
	return filepath.Join(elem...)
}

func (l *LocalFileSystem) Init() error {
	return nil
}
