package actions

import (
	"context"
	"testing"

	"github.com/cronplus/cronplus/internal/config"
)

func TestPrintStep_RejectsMissingFile(t *testing.T) {
	step := newPrintStep("print", config.PrintStep{PrinterName: "office", TimeoutSeconds: 5})
	res := step.Execute(context.Background(), newExecCtx(t, "/no/such/file.pdf"))
	if res.OK {
		t.Fatalf("expected failure for a missing file")
	}
}
