//go:build e2e
// +build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const executorYAML = `
commands:
  run_all: ["sh", "-c", "sleep 2"]
  run_group: ["sh", "-c", "sleep 1"]
  rerun: ["sh", "-c", "exit 1"]
`

type hubMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func TestCoordinator_RunLifecycle(t *testing.T) {
	infra := ensureInfra(t)
	root := repoRoot(t)
	tmpDir := t.TempDir()

	bin := filepath.Join(tmpDir, "coordinator.bin")
	build := exec.Command("go", "build", "-o", bin, "./coordinator")
	build.Dir = root
	if out, err := build.CombinedOutput(); err != nil {
		t.Fatalf("go build ./coordinator: %v\n%s", err, string(out))
	}

	executorConfig := filepath.Join(tmpDir, "executor.yaml")
	if err := os.WriteFile(executorConfig, []byte(executorYAML), 0o600); err != nil {
		t.Fatalf("write executor config: %v", err)
	}

	addr := freeAddr(t)
	base := "http://" + addr

	var out bytes.Buffer
	cmd := exec.Command(bin)
	cmd.Env = append(os.Environ(),
		"TESTPULSE_HTTP_ADDR="+addr,
		"TESTPULSE_REPORT_BASE_URL="+base,
		"TESTPULSE_EXECUTOR_CONFIG="+executorConfig,
		"TESTPULSE_ARCHIVE_ENABLED=true",
		"DATABASE_URL="+infra.databaseURL,
		"TESTPULSE_MINIO_ENDPOINT="+infra.minioEndpoint,
		"TESTPULSE_MINIO_ACCESS_KEY="+infra.minioAccessKey,
		"TESTPULSE_MINIO_SECRET_KEY="+infra.minioSecretKey,
		"TESTPULSE_MINIO_USE_SSL=false",
		"TESTPULSE_MINIO_BUCKET_REPORTS="+infra.minioBucket,
		"AUTH_MODE=dev",
		"DEV_AUTH_ROLES=admin",
	)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		t.Fatalf("start coordinator: %v", err)
	}
	t.Cleanup(func() { stopProcess(t, cmd, &out) })

	waitHTTP200(t, base+"/readyz")
	waitHTTP200(t, base+"/healthz")

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial hub: %v\n%s", err, out.String())
	}
	defer func() { _ = ws.Close() }()

	first := readMessage(t, ws)
	if first.Type != "connection:status" {
		t.Fatalf("first message %q, want connection:status", first.Type)
	}

	runID := startRun(t, base, `{"kind":"run_group","scopeKey":"login.spec.ts"}`, http.StatusAccepted)

	resp, err := http.Post(base+"/api/runs", "application/json", strings.NewReader(`{"kind":"run_group","scopeKey":"login.spec.ts"}`))
	if err != nil {
		t.Fatalf("POST /api/runs: %v", err)
	}
	var conflict struct {
		Code         string `json:"code"`
		CurrentRunID string `json:"currentRunId"`
	}
	err = json.NewDecoder(resp.Body).Decode(&conflict)
	_ = resp.Body.Close()
	if err != nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("second start status=%d err=%v, want 409", resp.StatusCode, err)
	}
	if conflict.Code != "TESTS_ALREADY_RUNNING" || conflict.CurrentRunID != runID {
		t.Fatalf("conflict=%+v, want run %s", conflict, runID)
	}

	seen := []string{}
	for {
		msg := readMessage(t, ws)
		seen = append(seen, msg.Type)
		if msg.Type == "run:completed" {
			break
		}
	}
	want := []string{"run:started", "process:started", "process:ended", "run:completed"}
	if strings.Join(seen, ",") != strings.Join(want, ",") {
		t.Fatalf("messages=%v, want %v", seen, want)
	}

	var got struct {
		Run struct {
			Status string `json:"status"`
		} `json:"run"`
	}
	getJSON(t, base+"/api/runs/"+runID, &got)
	if got.Run.Status != "passed" {
		t.Fatalf("run status=%q, want passed", got.Run.Status)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(base + "/api/runs/" + runID + "/report")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("report for %s never archived\n%s", runID, out.String())
		}
		time.Sleep(200 * time.Millisecond)
	}

	startRun(t, base, `{"kind":"run_group","scopeKey":"login.spec.ts"}`, http.StatusAccepted)
}

func startRun(t *testing.T, base, body string, wantStatus int) string {
	t.Helper()

	resp, err := http.Post(base+"/api/runs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /api/runs: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != wantStatus {
		t.Fatalf("POST /api/runs status=%d, want %d", resp.StatusCode, wantStatus)
	}
	var exec struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&exec); err != nil {
		t.Fatalf("decode start response: %v", err)
	}
	return exec.ID
}

func getJSON(t *testing.T, url string, dst any) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s status=%d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func readMessage(t *testing.T, ws *websocket.Conn) hubMessage {
	t.Helper()

	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read hub message: %v", err)
	}
	var msg hubMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("decode hub message %s: %v", string(raw), err)
	}
	return msg
}

