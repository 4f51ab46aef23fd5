package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakePutter struct {
	keys []string
	fail bool
}

func (f *fakePutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.fail {
		return nil, errors.New("access denied")
	}
	f.keys = append(f.keys, *params.Key)
	return &s3.PutObjectOutput{}, nil
}

func writeCheckpoint(t *testing.T, root, id string) {
	t.Helper()
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(filepath.Join(dir, "files"), 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range map[string]string{
		"manifest.json":     `{"id": "` + id + `"}`,
		"state.json":        `{}`,
		"files/deploy.yaml": "replicas: 3\n",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPushCheckpoint(t *testing.T) {
	root := t.TempDir()
	writeCheckpoint(t, root, "pre-deploy-01ABC")

	putter := &fakePutter{}
	u := NewWithClient(putter, "pipeline-archives", "flowstate", nil)

	n, err := u.PushCheckpoint(context.Background(), root, "pre-deploy-01ABC")
	if err != nil {
		t.Fatalf("PushCheckpoint: %v", err)
	}
	if n != 3 {
		t.Errorf("uploaded = %d, want 3", n)
	}

	sort.Strings(putter.keys)
	want := []string{
		"flowstate/pre-deploy-01ABC/files/deploy.yaml",
		"flowstate/pre-deploy-01ABC/manifest.json",
		"flowstate/pre-deploy-01ABC/state.json",
	}
	if len(putter.keys) != len(want) {
		t.Fatalf("keys = %v, want %v", putter.keys, want)
	}
	for i := range want {
		if putter.keys[i] != want[i] {
			t.Errorf("key[%d] = %q, want %q", i, putter.keys[i], want[i])
		}
	}
}

func TestPushCheckpointMissing(t *testing.T) {
	u := NewWithClient(&fakePutter{}, "bucket", "", nil)
	if _, err := u.PushCheckpoint(context.Background(), t.TempDir(), "no-such-id"); err == nil {
		t.Error("PushCheckpoint succeeded for missing checkpoint")
	}
}

func TestPushCheckpointUploadFailure(t *testing.T) {
	root := t.TempDir()
	writeCheckpoint(t, root, "cp-1")

	u := NewWithClient(&fakePutter{fail: true}, "bucket", "", nil)
	if _, err := u.PushCheckpoint(context.Background(), root, "cp-1"); err == nil {
		t.Error("PushCheckpoint succeeded despite put failures")
	}
}
