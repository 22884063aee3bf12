//go:build integration

// Package testutils provides shared test infrastructure for integration
// tests that run datacenter buckets in MinIO containers.
package testutils

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gocloud.dev/blob"
)

// GenerateTestData generates test data of the given size.
// For files <= 10MB, uses deterministic pattern. For larger files, uses random data.
func GenerateTestData(t *testing.T, size int64) []byte {
	t.Helper()
	data := make([]byte, size)
	if size <= 10*1024*1024 {
		for i := range data {
			data[i] = byte(i % 251)
		}
	} else {
		if _, err := rand.Read(data); err != nil {
			t.Fatalf("generate random data: %v", err)
		}
	}
	return data
}

// MinioEnv contains connection information for a Minio test environment.
type MinioEnv struct {
	Container testcontainers.Container
	BucketURL string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// Close terminates the Minio container.
func (e *MinioEnv) Close(ctx context.Context) error {
	if e.Container != nil {
		return e.Container.Terminate(ctx)
	}
	return nil
}

// OpenBucket opens a gocloud bucket connection to the Minio environment.
func (e *MinioEnv) OpenBucket(ctx context.Context) (*blob.Bucket, error) {
	return blob.OpenBucket(ctx, e.BucketURL)
}

// StartMinioContainer starts a Minio container with the given buckets
// pre-created. BucketURL points at the first bucket; BucketURLFor builds
// the URL of any other.
func StartMinioContainer(t *testing.T, ctx context.Context, bucketNames ...string) *MinioEnv {
	t.Helper()

	const (
		accessKey = "minioadmin"
		secretKey = "minioadmin"
	)

	// Create a network for minio and mc to communicate
	networkName := fmt.Sprintf("minio-test-net-%d", time.Now().UnixNano())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name: networkName,
		},
	})
	if err != nil {
		t.Fatalf("create network: %v", err)
	}
	t.Cleanup(func() { network.Remove(ctx) })

	// Start minio container
	minioReq := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Networks:     []string{networkName},
		NetworkAliases: map[string][]string{
			networkName: {"minio"},
		},
		Env: map[string]string{
			"MINIO_ROOT_USER":     accessKey,
			"MINIO_ROOT_PASSWORD": secretKey,
		},
		Cmd:        []string{"server", "/data"},
		WaitingFor: wait.ForHTTP("/minio/health/ready").WithPort("9000"),
	}

	minioContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: minioReq,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start minio container: %v", err)
	}

	if len(bucketNames) == 0 {
		t.Fatal("at least one bucket name is required")
	}
	createBucketsWithMC(t, ctx, networkName, accessKey, secretKey, bucketNames)

	host, err := minioContainer.Host(ctx)
	if err != nil {
		t.Fatalf("get container host: %v", err)
	}

	port, err := minioContainer.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("get container port: %v", err)
	}

	endpoint := fmt.Sprintf("%s:%s", host, port.Port())

	// Set AWS credentials via environment variables (gocloud reads these)
	t.Setenv("AWS_ACCESS_KEY_ID", accessKey)
	t.Setenv("AWS_SECRET_ACCESS_KEY", secretKey)

	env := &MinioEnv{
		Container: minioContainer,
		Endpoint:  endpoint,
		AccessKey: accessKey,
		SecretKey: secretKey,
	}
	env.BucketURL = env.BucketURLFor(bucketNames[0])
	return env
}

// BucketURLFor returns the gocloud S3 URL of bucketName, with the query
// parameters minio needs.
func (e *MinioEnv) BucketURLFor(bucketName string) string {
	return fmt.Sprintf("s3://%s?endpoint=http://%s&use_path_style=true&disable_https=true&region=us-east-1",
		bucketName,
		e.Endpoint,
	)
}

// createBucketsWithMC creates buckets using a separate minio/mc container.
func createBucketsWithMC(t *testing.T, ctx context.Context, networkName, accessKey, secretKey string, bucketNames []string) {
	t.Helper()

	script := fmt.Sprintf("/usr/bin/mc config host add myminio http://minio:9000 %s %s", accessKey, secretKey)
	for _, name := range bucketNames {
		script += fmt.Sprintf(" && /usr/bin/mc mb myminio/%s", name)
	}
	script += "; exit 0"

	// mc container runs, creates the bucket, then exits
	mcReq := testcontainers.ContainerRequest{
		Image:      "minio/mc:latest",
		Networks:   []string{networkName},
		Entrypoint: []string{"/bin/sh", "-c"},
		Cmd:        []string{script},
		WaitingFor: wait.ForExit(),
	}

	mcContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: mcReq,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start mc container: %v", err)
	}
	defer mcContainer.Terminate(ctx)
}

// CompareReaderToData compares reader output with expected data in chunks.
// This is memory-efficient for large files.
func CompareReaderToData(t *testing.T, reader io.Reader, expected []byte) {
	t.Helper()

	chunkSize := 1024 * 1024 // 1MB
	buf := make([]byte, chunkSize)
	offset := 0

	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if offset+n > len(expected) {
				t.Fatalf("read more data than expected: offset=%d, n=%d, expected len=%d",
					offset, n, len(expected))
			}
			if !bytes.Equal(buf[:n], expected[offset:offset+n]) {
				t.Fatalf("data mismatch at offset %d", offset)
			}
			offset += n
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("read error at offset %d: %v", offset, err)
		}
	}

	if offset != len(expected) {
		t.Fatalf("incomplete read: got %d bytes, want %d", offset, len(expected))
	}
}
