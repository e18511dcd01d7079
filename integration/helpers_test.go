//go:build integration

package integration

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/meigma/apkpack/core/testutil"
)

// --- Container Setup ---

var (
	registryOnce sync.Once
	registryAddr string
	registryErr  error

	minioOnce     sync.Once
	minioEndpoint string
	minioErr      error
)

const (
	minioUser     = "apkpack"
	minioPassword = "apkpack-secret"
)

func skipWithoutDocker(tb testing.TB) {
	tb.Helper()
	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}
}

// getRegistry returns the shared registry address, starting the container if needed.
// The container is shared across all tests for performance.
func getRegistry(tb testing.TB) string {
	tb.Helper()
	skipWithoutDocker(tb)

	registryOnce.Do(func() {
		registryAddr, registryErr = startContainer(context.Background(), testcontainers.ContainerRequest{
			Image:        "registry:2",
			ExposedPorts: []string{"5000/tcp"},
			WaitingFor:   wait.ForHTTP("/v2/").WithPort("5000/tcp").WithStatusCodeMatcher(isOKStatus),
		}, "5000/tcp")
	})
	if registryErr != nil {
		tb.Fatalf("start registry container: %v", registryErr)
	}
	return registryAddr
}

// getMinio returns the shared S3 endpoint URL, starting a MinIO container if needed.
func getMinio(tb testing.TB) string {
	tb.Helper()
	skipWithoutDocker(tb)

	minioOnce.Do(func() {
		var addr string
		addr, minioErr = startContainer(context.Background(), testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Cmd:          []string{"server", "/data"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     minioUser,
				"MINIO_ROOT_PASSWORD": minioPassword,
			},
			WaitingFor: wait.ForHTTP("/minio/health/ready").WithPort("9000/tcp").WithStatusCodeMatcher(isOKStatus),
		}, "9000/tcp")
		minioEndpoint = "http://" + addr
	})
	if minioErr != nil {
		tb.Fatalf("start minio container: %v", minioErr)
	}
	return minioEndpoint
}

// startContainer starts req and returns the host:port address of port.
// Container cleanup is handled by the testcontainers reaper.
func startContainer(ctx context.Context, req testcontainers.ContainerRequest, port string) (string, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start %s: %w", req.Image, err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve %s host: %w", req.Image, err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		return "", fmt.Errorf("resolve %s port: %w", req.Image, err)
	}
	return fmt.Sprintf("%s:%s", host, mapped.Port()), nil
}

func isOKStatus(status int) bool {
	return status >= 200 && status < http.StatusMultipleChoices
}

// --- Client Factories ---

// newS3Client returns a client for the MinIO container and creates bucket.
func newS3Client(tb testing.TB, endpoint, bucket string) *awss3.Client {
	tb.Helper()
	client := awss3.New(awss3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(endpoint),
		UsePathStyle: true,
		Credentials: aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return aws.Credentials{AccessKeyID: minioUser, SecretAccessKey: minioPassword}, nil
		}),
	})
	_, err := client.CreateBucket(context.Background(), &awss3.CreateBucketInput{Bucket: aws.String(bucket)})
	require.NoError(tb, err, "create bucket %s", bucket)
	return client
}

// --- Reference Helpers ---

// testRepo generates a unique repository for a test to avoid collisions.
func testRepo(registryAddr, testName string) string {
	return fmt.Sprintf("%s/test/%s", registryAddr, strings.ToLower(strings.ReplaceAll(testName, "/", "-")))
}

// testBucket generates a bucket name that is valid for S3.
func testBucket(testName string) string {
	name := strings.ToLower(strings.NewReplacer("/", "-", "_", "-").Replace(testName))
	if len(name) > 50 {
		name = name[:50]
	}
	return "apkpack-" + strings.Trim(name, "-")
}

// --- Test Data Helpers ---

// makeCompressibleContent creates content that benefits from compression.
func makeCompressibleContent(size int) []byte {
	pattern := []byte("This is a repeating pattern for compression testing. ")
	return bytes.Repeat(pattern, size/len(pattern)+1)[:size]
}

// sampleAPK builds an APK-shaped archive whose resource table is deflated
// and whose manifest sits at a misaligned offset.
func sampleAPK(tb testing.TB) []byte {
	tb.Helper()
	return testutil.CreateRaw(tb,
		testutil.Stored("AndroidManifest.xml", makeCompressibleContent(997)),
		testutil.Deflated("resources.arsc", makeCompressibleContent(64<<10)),
		testutil.Deflated("classes.dex", makeCompressibleContent(32<<10)),
		testutil.Stored("lib/arm64-v8a/libnative.so", makeCompressibleContent(12345)),
		testutil.Stored("res/raw/clip.mp3", testutil.Content('a', 501)),
	)
}
