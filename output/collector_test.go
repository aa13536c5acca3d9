package output_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	containercodes "github.com/codyaverett/container-codes"
	"github.com/codyaverett/container-codes/job"
	"github.com/codyaverett/container-codes/output"
	"github.com/codyaverett/container-codes/staging"
)

func setup(t *testing.T, maxSize int64, patterns ...string) (*output.Collector, *job.Job, string) {
	t.Helper()
	base := t.TempDir()
	files, err := staging.NewLocal(filepath.Join(base, "staging"), filepath.Join(base, "work"), nil)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	j, err := job.NewJob(job.Spec{
		Name:           "collector-test",
		Image:          "alpine:3.20",
		Command:        []string{"true"},
		OutputPatterns: patterns,
	})
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}

	workDir := filepath.Join(base, "out")
	if err := os.MkdirAll(workDir, 0o770); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	return output.NewCollector(files, maxSize, nil), j, workDir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(full), 0o770); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func relPaths(arts []job.OutputArtifact) []string {
	out := make([]string, len(arts))
	for i, a := range arts {
		out[i] = a.Path
	}
	return out
}

func TestCollect_MatchesPatternsInOrder(t *testing.T) {
	c, j, workDir := setup(t, 0, "result.json", "logs/*.log")
	writeFile(t, workDir, "logs/a.log", "aaa")
	writeFile(t, workDir, "logs/b.log", "bbb")
	writeFile(t, workDir, "result.json", `{}`)
	writeFile(t, workDir, "ignored.tmp", "x")

	arts, err := c.Collect(context.Background(), j, workDir)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	got := relPaths(arts)
	want := []string{"result.json", "logs/a.log", "logs/b.log"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("collected %v, want %v", got, want)
	}
	for _, a := range arts {
		if a.Checksum == "" || a.Size == 0 {
			t.Errorf("artifact %q missing size or checksum: %+v", a.Path, a)
		}
	}
}

func TestCollect_DuplicateMatchCollectedOnce(t *testing.T) {
	c, j, workDir := setup(t, 0, "*.json", "result.*")
	writeFile(t, workDir, "result.json", `{}`)

	arts, err := c.Collect(context.Background(), j, workDir)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(arts) != 1 {
		t.Errorf("collected %d artifacts, want 1", len(arts))
	}
}

func TestCollect_NoPatterns(t *testing.T) {
	c, j, workDir := setup(t, 0)
	writeFile(t, workDir, "whatever.txt", "x")

	arts, err := c.Collect(context.Background(), j, workDir)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if arts != nil {
		t.Errorf("collected %v, want none", relPaths(arts))
	}
}

func TestCollect_NoMatches(t *testing.T) {
	c, j, workDir := setup(t, 0, "*.json")
	writeFile(t, workDir, "notes.txt", "x")

	arts, err := c.Collect(context.Background(), j, workDir)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(arts) != 0 {
		t.Errorf("collected %v, want none", relPaths(arts))
	}
}

func TestCollect_QuotaExceeded(t *testing.T) {
	c, j, workDir := setup(t, 10, "*.bin")
	writeFile(t, workDir, "a.bin", "123456")
	writeFile(t, workDir, "b.bin", "123456")

	_, err := c.Collect(context.Background(), j, workDir)
	if !errors.Is(err, containercodes.ErrQuotaExceeded) {
		t.Errorf("err = %v, want ErrQuotaExceeded", err)
	}
}

func TestCollect_QuotaIsCumulative(t *testing.T) {
	// Each file fits alone; together they do not.
	c, j, workDir := setup(t, 8, "*.bin")
	writeFile(t, workDir, "a.bin", "12345")
	writeFile(t, workDir, "b.bin", "12345")

	_, err := c.Collect(context.Background(), j, workDir)
	if !errors.Is(err, containercodes.ErrQuotaExceeded) {
		t.Errorf("err = %v, want ErrQuotaExceeded", err)
	}
}
