package corfs

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	lru "github.com/hashicorp/golang-lru"
	"github.com/mattetti/filebuffer"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// globRegex captures the object prefix in front of the first glob character.
var globRegex = regexp.MustCompile(`^([^\*\?\[]*)[\*\?\[]`)

// S3FileSystem abstracts an S3 compatible object store as a filesystem.
// The same implementation serves "s3://" and "minio://" locations.
type S3FileSystem struct {
	scheme      string
	s3Client    s3iface.S3API
	objectCache *lru.Cache
}

func NewS3FileSystem() *S3FileSystem {
	return &S3FileSystem{scheme: "s3"}
}

func NewMinioFileSystem() *S3FileSystem {
	return &S3FileSystem{scheme: "minio"}
}

func (s *S3FileSystem) parse(uri string) (*url.URL, error) {
	return parseURIWithMap(uri, map[string]bool{s.scheme: true})
}

// ListFiles lists files that match pathGlob.
func (s *S3FileSystem) ListFiles(pathGlob string) ([]FileInfo, error) {
	files := make([]FileInfo, 0)

	parsed, err := s.parse(pathGlob)
	if err != nil {
		return nil, err
	}

	baseURI := parsed.Path
	if globRegex.MatchString(parsed.Path) {
		baseURI = globRegex.FindStringSubmatch(parsed.Path)[1]
	}

	var dirGlob string
	if !strings.HasSuffix(pathGlob, "/") {
		dirGlob = pathGlob + "/*"
	} else {
		dirGlob = pathGlob + "*"
	}

	params := &s3.ListObjectsInput{
		Bucket: aws.String(parsed.Hostname()),
		Prefix: aws.String(baseURI),
	}

	objectPrefix := fmt.Sprintf("%s://%s/", parsed.Scheme, parsed.Hostname())
	err = s.s3Client.ListObjectsPages(params,
		func(page *s3.ListObjectsOutput, _ bool) bool {
			for _, object := range page.Contents {
				fullPath := objectPrefix + *object.Key

				dirMatch, _ := filepath.Match(dirGlob, fullPath)
				pathMatch, _ := filepath.Match(pathGlob, fullPath)
				if !(dirMatch || pathMatch) {
					continue
				}

				files = append(files, FileInfo{
					Name: fullPath,
					Size: *object.Size,
				})
				s.objectCache.Add(fullPath, *object.Size)
			}
			return true
		})

	return files, err
}

// Stat returns information about the file at filePath.
func (s *S3FileSystem) Stat(filePath string) (FileInfo, error) {
	if size, exists := s.objectCache.Get(filePath); exists {
		return FileInfo{Name: filePath, Size: size.(int64)}, nil
	}

	parsed, err := s.parse(filePath)
	if err != nil {
		return FileInfo{}, err
	}

	head, err := s.s3Client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(parsed.Hostname()),
		Key:    aws.String(parsed.Path),
	})
	if err != nil {
		return FileInfo{}, err
	}
	if head.ContentLength == nil {
		return FileInfo{}, errors.New("No file with given filename")
	}

	s.objectCache.Add(filePath, *head.ContentLength)
	return FileInfo{Name: filePath, Size: *head.ContentLength}, nil
}

// OpenReader opens a reader to the file at filePath. The reader
// is initially seeked to "startAt" bytes into the file.
func (s *S3FileSystem) OpenReader(filePath string, startAt int64) (io.ReadCloser, error) {
	parsed, err := s.parse(filePath)
	if err != nil {
		return nil, err
	}

	input := &s3.GetObjectInput{
		Bucket: aws.String(parsed.Hostname()),
		Key:    aws.String(parsed.Path),
	}
	if startAt > 0 {
		input.Range = aws.String(fmt.Sprintf("bytes=%d-", startAt))
	}

	out, err := s.s3Client.GetObject(input)
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

type s3Writer struct {
	client s3iface.S3API
	bucket string
	key    string
	buf    *filebuffer.Buffer
}

func (w *s3Writer) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

// Close uploads the buffered object.
func (w *s3Writer) Close() error {
	if _, err := w.buf.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := w.client.PutObject(&s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(w.key),
		Body:   w.buf,
	})
	return err
}

// OpenWriter opens a writer to the file at filePath.
func (s *S3FileSystem) OpenWriter(filePath string) (io.WriteCloser, error) {
	parsed, err := s.parse(filePath)
	if err != nil {
		return nil, err
	}

	s.objectCache.Remove(filePath)
	return &s3Writer{
		client: s.s3Client,
		bucket: parsed.Hostname(),
		key:    parsed.Path,
		buf:    filebuffer.New(nil),
	}, nil
}

// Delete deletes the file at filePath.
func (s *S3FileSystem) Delete(filePath string) error {
	parsed, err := s.parse(filePath)
	if err != nil {
		return err
	}

	s.objectCache.Remove(filePath)
	_, err = s.s3Client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(parsed.Hostname()),
		Key:    aws.String(parsed.Path),
	})
	return err
}

// Join joins file path elements
func (s *S3FileSystem) Join(elem ...string) string {
	stripped := make([]string, len(elem))
	for i, str := range elem {
		if strings.HasPrefix(str, "/") {
			str = str[1:]
		}
		if strings.HasSuffix(str, "/") && i != len(elem)-1 {
			str = str[:len(str)-1]
		}
		stripped[i] = str
	}
	return strings.Join(stripped, "/")
}

// Init initializes the filesystem.
func (s *S3FileSystem) Init() error {
	s.objectCache, _ = lru.New(10000)
	if s.s3Client != nil {
		return nil
	}

	os.Setenv("AWS_SDK_LOAD_CONFIG", "true")
	if s.scheme != "minio" {
		sess, err := session.NewSession()
		if err != nil {
			return err
		}
		s.s3Client = s3.New(sess)
		return nil
	}

	endpoint := os.Getenv("MINIO_HOST")
	if endpoint == "" {
		endpoint = viper.GetString("minioHost")
	}
	if endpoint == "" {
		log.Error("could not determine minio endpoint")
		return fmt.Errorf("MINIO_HOST not set")
	}

	// Configure to use MinIO Server
	config := &aws.Config{
		Credentials: credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvProvider{},
			&PrefixEnvProvider{
				prefix: "CORAGENT_",
				extraKeys: map[string]string{
					"id":     "MINIO_USER",
					"secret": "MINIO_KEY",
				},
			},
			&credentials.StaticProvider{
				Value: credentials.Value{
					AccessKeyID:     viper.GetString("minioUser"),
					SecretAccessKey: viper.GetString("minioKey"),
				},
			},
		}),
		Endpoint:         aws.String(endpoint),
		Region:           aws.String("us-east-1"),
		DisableSSL:       aws.Bool(true),
		S3ForcePathStyle: aws.Bool(true),
	}

	if log.IsLevelEnabled(log.DebugLevel) {
		config.WithCredentialsChainVerboseErrors(true)
	}

	sess, err := session.NewSession(config)
	if err != nil {
		return err
	}
	s.s3Client = s3.New(sess)
	return nil
}

// PrefixEnvProvider retrieves credentials from prefixed environment variables.
//
// Environment variables used:
//
// * Access Key ID:     [PREFIX]+AWS_ACCESS_KEY_ID or [PREFIX]+AWS_ACCESS_KEY
//
// * Secret Access Key: [PREFIX]+AWS_SECRET_ACCESS_KEY or [PREFIX]+AWS_SECRET_KEY
type PrefixEnvProvider struct {
	retrieved bool
	prefix    string
	extraKeys map[string]string
}

// Retrieve retrieves the keys from the environment.
func (e *PrefixEnvProvider) Retrieve() (credentials.Value, error) {
	e.retrieved = false

	ids := []string{e.prefix + "AWS_ACCESS_KEY_ID", e.prefix + "AWS_ACCESS_KEY"}
	secrets := []string{e.prefix + "AWS_SECRET_ACCESS_KEY", e.prefix + "AWS_SECRET_KEY"}
	if key, ok := e.extraKeys["id"]; ok {
		ids = append(ids, key, e.prefix+key)
	}
	if key, ok := e.extraKeys["secret"]; ok {
		secrets = append(secrets, key, e.prefix+key)
	}

	id := lookupEnvFromKeys(ids)
	secret := lookupEnvFromKeys(secrets)

	if id == "" {
		return credentials.Value{ProviderName: credentials.EnvProviderName}, credentials.ErrAccessKeyIDNotFound
	}
	if secret == "" {
		return credentials.Value{ProviderName: credentials.EnvProviderName}, credentials.ErrSecretAccessKeyNotFound
	}

	e.retrieved = true
	return credentials.Value{
		AccessKeyID:     id,
		SecretAccessKey: secret,
		SessionToken:    os.Getenv(e.prefix + "AWS_SESSION_TOKEN"),
		ProviderName:    credentials.EnvProviderName,
	}, nil
}

// IsExpired returns if the credentials have been retrieved.
func (e *PrefixEnvProvider) IsExpired() bool {
	return !e.retrieved
}

func lookupEnvFromKeys(keys []string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}
