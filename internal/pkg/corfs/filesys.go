package corfs

import (
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// FileSystemType is an identifier for supported FileSystems
type FileSystemType int

// Identifiers for supported FileSystemTypes
const (
	Local FileSystemType = iota
	S3
	MINIO
)

// FileSystem provides the input backend for MapReduce jobs.
// Map task partitions are read from a file system; the abstraction lets
// remote object stores like S3 or MinIO back the same job.
type FileSystem interface {
	ListFiles(pathGlob string) ([]FileInfo, error)
	Stat(filePath string) (FileInfo, error)
	OpenReader(filePath string, startAt int64) (io.ReadCloser, error)
	OpenWriter(filePath string) (io.WriteCloser, error)
	Delete(filePath string) error
	Join(elem ...string) string
	Init() error
}

// FileInfo provides information about a file
type FileInfo struct {
	Name string // file path
	Size int64  // file size in bytes
}

// InitFilesystem intializes a filesystem of the given type
func InitFilesystem(fsType FileSystemType) (FileSystem, error) {
	var fs FileSystem
	switch fsType {
	case S3:
		log.Debug("using s3 fs")
		fs = NewS3FileSystem()
	case MINIO:
		log.Debug("using minio fs")
		fs = NewMinioFileSystem()
	default:
		log.Debug("using local fs")
		fs = &LocalFileSystem{}
	}

	return fs, fs.Init()
}

// InferFilesystem initializes a filesystem by inferring its type from
// a file address.
// For example, locations starting with "s3://" will resolve to an S3
// filesystem.
func InferFilesystem(location string) FileSystem {
	fs, err := InitFilesystem(FilesystemType(location))
	if err != nil {
		log.Warnf("failed to init filesystem for %s, %+v", location, err)
	}
	return fs
}

// FilesystemType returns the type of filesystem a location addresses.
func FilesystemType(location string) FileSystemType {
	switch {
	case strings.HasPrefix(location, "s3://"):
		return S3
	case strings.HasPrefix(location, "minio://"):
		return MINIO
	default:
		return Local
	}
}
