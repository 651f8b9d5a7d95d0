package phpruntime

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/phpack/phpack/internal/config"
	"github.com/phpack/phpack/internal/fault"
	"github.com/phpack/phpack/internal/types"
)

// S3Source serves runtimes from an S3-compatible bucket laid out as
// <prefix>/<platform>/php-<version>.(zip|tar.gz), each with a .sha256 sibling
// holding the hex digest.
type S3Source struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Source connects to the configured mirror
func NewS3Source(cfg config.S3Config) (*S3Source, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fault.Wrapf(fault.KindInvalidConfig, "runtime.s3", err, "failed to create S3 client for %s", cfg.Endpoint)
	}
	return &S3Source{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Name implements Source
func (s *S3Source) Name() string { return "s3" }

func (s *S3Source) platformPrefix(platform types.Platform) string {
	return path.Join(s.prefix, string(platform)) + "/"
}

// Resolve implements Source
func (s *S3Source) Resolve(ctx context.Context, platform types.Platform, version string) (Artifact, error) {
	dir := s.platformPrefix(platform)
	found := map[string]string{} // version -> key
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: dir + "php-"}) {
		if obj.Err != nil {
			return Artifact{}, s.classify(obj.Err, "list "+dir)
		}
		name := strings.TrimPrefix(obj.Key, dir)
		format := formatFromName(name)
		if format == "" {
			continue
		}
		v := strings.TrimPrefix(name, "php-")
		v = strings.TrimSuffix(strings.TrimSuffix(strings.TrimSuffix(v, ".zip"), ".tar.gz"), ".tgz")
		if matchesSelector(v, version) {
			found[v] = obj.Key
		}
	}

	versions := make([]string, 0, len(found))
	for v := range found {
		versions = append(versions, v)
	}
	best := highestVersion(versions)
	if best == "" {
		return Artifact{}, fault.New(fault.KindUnsupportedPlatform, "runtime.resolve",
			"no PHP %s runtime for %s in bucket %s", version, platform, s.bucket)
	}
	key := found[best]

	sum, err := s.readChecksum(ctx, key+".sha256")
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{
		Platform: platform,
		Version:  best,
		Location: key,
		SHA256:   sum,
		Format:   formatFromName(key),
	}, nil
}

// readChecksum reads a sha256sum style file; a missing file yields ""
func (s *S3Source) readChecksum(ctx context.Context, key string) (string, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return "", s.classify(err, key)
	}
	defer obj.Close()

	data, err := io.ReadAll(io.LimitReader(obj, 1024))
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return "", nil
		}
		return "", s.classify(err, key)
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), nil
}

// Open implements Source
func (s *S3Source) Open(ctx context.Context, a Artifact) (io.ReadCloser, int64, error) {
	info, err := s.client.StatObject(ctx, s.bucket, a.Location, minio.StatObjectOptions{})
	if err != nil {
		return nil, 0, s.classify(err, a.Location)
	}
	obj, err := s.client.GetObject(ctx, s.bucket, a.Location, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, s.classify(err, a.Location)
	}
	return obj, info.Size, nil
}

func (s *S3Source) classify(err error, what string) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fault.Wrapf(fault.KindUnsupportedPlatform, "runtime.s3", err, "%s not found", what)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return fault.Wrapf(fault.KindInvalidConfig, "runtime.s3", err, "access to %s denied", what)
	}
	return fault.Wrapf(fault.KindNetwork, "runtime.s3", err, "failed to read %s", what)
}
