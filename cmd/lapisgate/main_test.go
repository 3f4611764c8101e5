package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"lapisgate/internal/config"
	"lapisgate/internal/infra/persistence/postgres"
	pgtest "lapisgate/internal/infra/persistence/postgres/testutil"
)

func writeSchema(t *testing.T, field string) string {
	t.Helper()
	doc := `organisms:
  west-nile:
    schema:
      organismName: West Nile Virus
      metadata:
        - name: ` + field + `
          type: string
        - name: length
          type: int
    referenceGenome:
      nucleotideSequences:
        - name: main
          sequence: ` + strings.Repeat("ACGTTGCA", 32) + `
      genes:
        - name: E
          sequence: ` + strings.Repeat("MKVLW", 20) + `
`
	path := filepath.Join(t.TempDir(), "organisms.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	return path
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestCheckConfig(t *testing.T) {
	path := writeSchema(t, "geoLocCountry")
	code, out, errOut := runCLI(t, "check-config", "--config-path", path)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	if !strings.Contains(out, "1 organisms OK (west-nile)") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestCheckConfigFailures(t *testing.T) {
	cases := map[string][]string{
		"missing file":   {"check-config", "--config-path", filepath.Join(t.TempDir(), "nope.yaml")},
		"reserved field": {"check-config", "--config-path", writeSchema(t, "limit")},
		"bad settings":   {"check-config", "--config-path", writeSchema(t, "geoLocCountry"), "--log-format", "xml"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			code, _, errOut := runCLI(t, args...)
			if code != 1 {
				t.Fatalf("expected exit 1, got %d", code)
			}
			if !strings.HasPrefix(errOut, "lapisgate: ") {
				t.Fatalf("unexpected stderr %q", errOut)
			}
		})
	}
}

func TestCompilePrintsStatement(t *testing.T) {
	path := writeSchema(t, "geoLocCountry")
	code, out, errOut := runCLI(t, "compile", "--config-path", path, "--organism", "west-nile",
		"--endpoint", "details", "geoLocCountry=USA&fields=accessionVersion,geoLocCountry")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, errOut)
	}
	for _, want := range []string{"sequence_entries_view", `$1 = "west-nile"`, `$2 = "USA"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("output lacks %q:\n%s", want, out)
		}
	}
}

func TestCompileRejectsBadRequests(t *testing.T) {
	path := writeSchema(t, "geoLocCountry")
	cases := map[string][]string{
		"no organism":    {"compile", "--config-path", path},
		"bad endpoint":   {"compile", "--config-path", path, "--organism", "west-nile", "--endpoint", "mutations"},
		"unknown field":  {"compile", "--config-path", path, "--organism", "west-nile", "host=cow"},
		"bad query":      {"compile", "--config-path", path, "--organism", "west-nile", "%zz"},
		"missing gene":   {"compile", "--config-path", path, "--organism", "west-nile", "--endpoint", "alignedAminoAcidSequences"},
		"too many args":  {"compile", "--config-path", path, "--organism", "west-nile", "a=1", "b=2"},
		"unknown option": {"compile", "--bogus"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			if code, _, _ := runCLI(t, args...); code != 1 {
				t.Fatalf("expected exit 1, got %d", code)
			}
		})
	}
}

func TestMainUsesExitFunc(t *testing.T) {
	path := writeSchema(t, "geoLocCountry")
	var codes []int
	oldExit, oldArgs := exitFunc, os.Args
	exitFunc = func(code int) { codes = append(codes, code) }
	defer func() { exitFunc, os.Args = oldExit, oldArgs }()

	os.Args = []string{"lapisgate", "check-config", "--config-path", path}
	main()
	os.Args = []string{"lapisgate", "check-config", "--config-path", path + ".missing"}
	main()
	if len(codes) != 2 || codes[0] != 0 || codes[1] != 1 {
		t.Fatalf("unexpected exit codes %v", codes)
	}
}

func TestServeWaitsForDatabaseAndShutsDown(t *testing.T) {
	db, _ := pgtest.NewStubDB()
	defer func() { _ = db.Close() }()
	var attempts atomic.Int32
	oldOpen, oldReg, oldGather, oldListening := openPool, registerer, gatherer, onListening
	defer func() { openPool, registerer, gatherer, onListening = oldOpen, oldReg, oldGather, oldListening }()
	openPool = func(context.Context, postgres.Config) (*postgres.Pool, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("connection refused")
		}
		return postgres.New(db), nil
	}
	reg := prometheus.NewRegistry()
	registerer, gatherer = reg, reg
	addrc := make(chan string, 1)
	onListening = func(addr string) { addrc <- addr }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan int, 1)
	schemaPath := writeSchema(t, "geoLocCountry")
	go func() {
		done <- run(ctx, []string{"serve",
			"--config-path", schemaPath,
			"--listen", "127.0.0.1:0",
			"--blob-driver", "memory",
			"--startup-timeout", "10s",
		}, io.Discard, io.Discard)
	}()

	var addr string
	select {
	case addr = <-addrc:
	case code := <-done:
		t.Fatalf("serve exited early with %d", code)
	case <-time.After(10 * time.Second):
		t.Fatal("serve never started listening")
	}
	if attempts.Load() < 2 {
		t.Fatalf("expected a retried connection, got %d attempts", attempts.Load())
	}

	resp, err := http.Get("http://" + addr + "/ready")
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready status %d", resp.StatusCode)
	}

	cancel()
	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("serve exit %d", code)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not shut down")
	}
}

func TestWaitForDatabaseGivesUp(t *testing.T) {
	oldOpen := openPool
	defer func() { openPool = oldOpen }()
	openPool = func(context.Context, postgres.Config) (*postgres.Pool, error) {
		return nil, errors.New("no route to host")
	}
	settings := config.Defaults()
	settings.StartupTimeout = 300 * time.Millisecond
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	_, err := waitForDatabase(context.Background(), settings, logger)
	if err == nil || !strings.Contains(err.Error(), "no route to host") {
		t.Fatalf("expected the last connection error, got %v", err)
	}
}
