package pr_test

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"telegram-relay/internal/infra/pr"
)

type route struct {
	Name     string
	SourceID int64
}

func TestPrintAndPretty(t *testing.T) {
	var out, errOut bytes.Buffer
	pr.SetWriters(&out, &errOut)
	t.Cleanup(func() { pr.SetWriters(os.Stdout, os.Stderr) })

	pr.Printf("routes: %d\n", 1)
	pr.PP(route{Name: "news", SourceID: -1001})
	pr.ErrPrintln("oops")

	if !strings.HasPrefix(out.String(), "routes: 1\n") {
		t.Fatalf("stdout = %q, want prefix %q", out.String(), "routes: 1\n")
	}
	if !strings.Contains(out.String(), `"news"`) {
		t.Fatalf("stdout = %q, want pretty struct", out.String())
	}
	if errOut.String() != "oops\n" {
		t.Fatalf("stderr = %q, want %q", errOut.String(), "oops\n")
	}
	if got := pr.Pf(route{Name: "x"}); !strings.Contains(got, `"x"`) {
		t.Fatalf("Pf() = %q", got)
	}
}

func TestReadLineBeforeInit(t *testing.T) {
	if _, err := pr.ReadLine("> "); err == nil {
		t.Fatalf("ReadLine() before Init error = nil, want ErrNotInitialized")
	}
}
