package actions

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cronplus/cronplus/internal/config"
	"github.com/cronplus/cronplus/internal/pipeline"
)

func newExecCtx(t *testing.T, filePath string) *pipeline.ExecutionContext {
	t.Helper()
	return &pipeline.ExecutionContext{
		TaskID:    "t1",
		FilePath:  filePath,
		StartedAt: time.Now(),
		Vars:      map[string]string{},
		Builtins:  map[string]string{},
	}
}

func TestCopyStep_Basic(t *testing.T) {
	tmp := t.TempDir()
	srcDir := filepath.Join(tmp, "src")
	dstDir := filepath.Join(tmp, "dst")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(srcDir, "a.txt")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(dstDir, "a.txt")
	step := newCopyStep("copy", config.CopyStep{
		Destination:       dst,
		CreateDirectories: true,
		VerifyChecksum:    true,
	}, false)

	res := step.Execute(context.Background(), newExecCtx(t, src))
	if !res.OK {
		t.Fatalf("copy failed: %v", res.Err)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Fatalf("dest missing: %v", err)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("copy should not remove source: %v", err)
	}
}

func TestCopyStep_MoveDeletesSourceOnlyAfterVerifiedWrite(t *testing.T) {
	tmp := t.TempDir()
	srcDir := filepath.Join(tmp, "src")
	dstDir := filepath.Join(tmp, "dst")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(srcDir, "b.txt")
	if err := os.WriteFile(src, []byte("move me"), 0o644); err != nil {
		t.Fatal(err)
	}

	step := newCopyStep("move", config.CopyStep{
		Destination:       filepath.Join(dstDir, "b.txt"),
		CreateDirectories: true,
	}, true)

	res := step.Execute(context.Background(), newExecCtx(t, src))
	if !res.OK {
		t.Fatalf("move failed: %v", res.Err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("source should be removed after move, err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(dstDir, "b.txt")); err != nil {
		t.Fatalf("dest missing: %v", err)
	}
}

func TestCopyStep_InterpolatedDestinationIsTargetFileNotDirectory(t *testing.T) {
	tmp := t.TempDir()
	srcDir := filepath.Join(tmp, "src")
	dstDir := filepath.Join(tmp, "out")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(srcDir, "a.pdf")
	if err := os.WriteFile(src, []byte("pdf bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	step := newCopyStep("copy", config.CopyStep{
		Destination:       dstDir + "/${fileName}",
		CreateDirectories: true,
		VerifyChecksum:    true,
	}, false)

	execCtx := newExecCtx(t, src)
	execCtx.Builtins["fileName"] = "a.pdf"
	res := step.Execute(context.Background(), execCtx)
	if !res.OK {
		t.Fatalf("copy failed: %v", res.Err)
	}
	want := filepath.Join(dstDir, "a.pdf")
	if res.Outputs["lastDestination"] != want {
		t.Fatalf("expected destination %q, got %q", want, res.Outputs["lastDestination"])
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("dest missing: %v", err)
	}
	if fi, err := os.Stat(want); err == nil && fi.IsDir() {
		t.Fatalf("destination must be a file, not a directory")
	}
}

func TestCopyStep_RenamePatternAppliesToDestinationBasename(t *testing.T) {
	tmp := t.TempDir()
	srcDir := filepath.Join(tmp, "src")
	dstDir := filepath.Join(tmp, "dst")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(srcDir, "a.txt")
	if err := os.WriteFile(src, []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	step := newCopyStep("copy", config.CopyStep{
		Destination:       filepath.Join(dstDir, "a.txt"),
		CreateDirectories: true,
		RenamePattern:     "{name}-archived{ext}",
	}, false)

	res := step.Execute(context.Background(), newExecCtx(t, src))
	if !res.OK {
		t.Fatalf("copy failed: %v", res.Err)
	}
	want := filepath.Join(dstDir, "a-archived.txt")
	if res.Outputs["lastDestination"] != want {
		t.Fatalf("expected renamed destination %q, got %q", want, res.Outputs["lastDestination"])
	}
}

func TestCopyStep_RefusesOverwriteByDefault(t *testing.T) {
	tmp := t.TempDir()
	srcDir := filepath.Join(tmp, "src")
	dstDir := filepath.Join(tmp, "dst")
	os.MkdirAll(srcDir, 0o755)
	os.MkdirAll(dstDir, 0o755)
	src := filepath.Join(srcDir, "c.txt")
	os.WriteFile(src, []byte("new"), 0o644)
	os.WriteFile(filepath.Join(dstDir, "c.txt"), []byte("old"), 0o644)

	step := newCopyStep("copy", config.CopyStep{Destination: filepath.Join(dstDir, "c.txt")}, false)
	res := step.Execute(context.Background(), newExecCtx(t, src))
	if res.OK {
		t.Fatalf("expected failure when overwrite is false and dest exists")
	}
}

func TestDeleteStep_SkipsBelowMinAge(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "fresh.txt")
	os.WriteFile(src, []byte("x"), 0o644)

	step := newDeleteStep("delete", config.DeleteStep{MinAgeMinutes: 60})
	res := step.Execute(context.Background(), newExecCtx(t, src))
	if !res.OK || res.Action != pipeline.ActionSkip {
		t.Fatalf("expected skip action, got %+v", res)
	}
	if _, err := os.Stat(src); err != nil {
		t.Fatalf("file should not be deleted: %v", err)
	}
}

func TestArchiveStep_ZipConflictRename(t *testing.T) {
	tmp := t.TempDir()
	srcDir := filepath.Join(tmp, "src")
	dstDir := filepath.Join(tmp, "dst")
	os.MkdirAll(srcDir, 0o755)
	os.MkdirAll(dstDir, 0o755)

	src1 := filepath.Join(srcDir, "doc.pdf")
	os.WriteFile(src1, []byte("v1"), 0o644)
	step := newArchiveStep("archive", config.ArchiveStep{
		Destination:      dstDir,
		Format:           "zip",
		ConflictStrategy: "rename",
	})
	res1 := step.Execute(context.Background(), newExecCtx(t, src1))
	if !res1.OK {
		t.Fatalf("archive 1 failed: %v", res1.Err)
	}

	src2 := filepath.Join(srcDir, "doc.pdf")
	os.WriteFile(src2, []byte("v2"), 0o644)
	res2 := step.Execute(context.Background(), newExecCtx(t, src2))
	if !res2.OK {
		t.Fatalf("archive 2 failed: %v", res2.Err)
	}
	if res1.Outputs["lastArchive"] == res2.Outputs["lastArchive"] {
		t.Fatalf("expected distinct archive paths on conflict, got same: %s", res1.Outputs["lastArchive"])
	}
}

func TestArchiveStep_InterpolatesDestination(t *testing.T) {
	tmp := t.TempDir()
	srcDir := filepath.Join(tmp, "src")
	dstRoot := filepath.Join(tmp, "archive")
	os.MkdirAll(srcDir, 0o755)

	src := filepath.Join(srcDir, "doc.pdf")
	os.WriteFile(src, []byte("v1"), 0o644)

	step := newArchiveStep("archive", config.ArchiveStep{
		Destination: dstRoot + "/${taskId}",
		Format:      "zip",
	})
	execCtx := newExecCtx(t, src)
	execCtx.Builtins["taskId"] = "task-7"

	res := step.Execute(context.Background(), execCtx)
	if !res.OK {
		t.Fatalf("archive failed: %v", res.Err)
	}
	want := filepath.Join(dstRoot, "task-7", "doc.pdf.zip")
	if res.Outputs["lastArchive"] != want {
		t.Fatalf("expected interpolated destination %q, got %q", want, res.Outputs["lastArchive"])
	}
}

func TestArchiveStep_GzipRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	srcDir := filepath.Join(tmp, "src")
	dstDir := filepath.Join(tmp, "dst")
	os.MkdirAll(srcDir, 0o755)
	os.MkdirAll(dstDir, 0o755)
	src := filepath.Join(srcDir, "log.txt")
	os.WriteFile(src, []byte("some log content"), 0o644)

	step := newArchiveStep("archive", config.ArchiveStep{
		Destination:   dstDir,
		Format:        "gzip",
		VerifyArchive: true,
	})
	res := step.Execute(context.Background(), newExecCtx(t, src))
	if !res.OK {
		t.Fatalf("gzip archive failed: %v", res.Err)
	}
}
