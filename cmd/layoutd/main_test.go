package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/layoutd/internal/admin"
	"github.com/dreamware/layoutd/internal/config"
	"github.com/dreamware/layoutd/internal/design"
)

func TestParseTask(t *testing.T) {
	tests := []struct {
		line    string
		want    any
		wantErr bool
	}{
		{line: "set cell/inv/width 12", want: &design.SetProperty{Key: "cell/inv/width", Value: "12"}},
		{line: "delete k", want: &design.DeleteProperty{Key: "k"}},
		{line: "get k", want: &design.GetProperty{Key: "k"}},
		{line: "count", want: &design.CountKeys{}},
		{line: "count cell/", want: &design.CountKeys{Prefix: "cell/"}},
		{line: "scan cell/ width", want: &design.ScanKeys{Prefix: "cell/", Match: "width"}},
		{line: "undo", want: &design.UndoLast{}},
		{line: "set k", wantErr: true},
		{line: "undo now", wantErr: true},
		{line: "route net1", wantErr: true},
		{line: "   ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseTask(tt.line)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadTasksFromStdin(t *testing.T) {
	stdin := strings.NewReader("# setup\nset a 1\n\nget a\n")
	tasks, err := readTasks(nil, stdin)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "set-property", tasks[0].Info().Name)
	assert.Equal(t, "get-property", tasks[1].Info().Name)

	_, err = readTasks([]string{"set a 1", "bogus"}, nil)
	assert.ErrorContains(t, err, "line 2")
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// TestBatchPersists runs inline then threaded batches over the same SQLite
// file and checks the design survives between them.
func TestBatchPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layoutd.db")
	t.Setenv("LAYOUTD_STORAGE", path)
	t.Setenv("LAYOUTD_LOG_LEVEL", "error")

	out, err := runRoot(t, "batch", "-e", "set cell/inv/width 12", "-e", "get cell/inv/width")
	require.NoError(t, err)
	assert.Contains(t, out, "set-property\tok")
	assert.Contains(t, out, `"value":"12"`)

	out, err = runRoot(t, "batch", "--threaded", "-e", "count cell/", "-e", "scan cell/ width")
	require.NoError(t, err)
	assert.Contains(t, out, `"count":1`)
	assert.Contains(t, out, `"matches":["cell/inv/width"]`)

	out, err = runRoot(t, "batch", "-e", "undo")
	assert.ErrorContains(t, err, "1 of 1 tasks failed")
	assert.Contains(t, out, "undo-last\ttask")
}

func testApp(addr, adminAddr string) *app {
	return &app{
		cfg: config.Config{
			Addr:              addr,
			AdminAddr:         adminAddr,
			Storage:           "memory",
			Design:            "test",
			LogLevel:          "error",
			LogFormat:         "text",
			MonitorInterval:   50 * time.Millisecond,
			LongTaskThreshold: time.Second,
			DialTimeout:       time.Second,
			DialRetry:         2 * time.Second,
		},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// TestServeClientStatus runs a server, drives it with the client mode and
// inspects it with the status mode.
func TestServeClientStatus(t *testing.T) {
	srv := testApp("127.0.0.1:0", "127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type addrs struct{ session, admin string }
	up := make(chan addrs, 1)
	served := make(chan error, 1)
	go func() {
		served <- srv.serve(ctx, func(s, a string) { up <- addrs{s, a} })
	}()

	var bound addrs
	select {
	case bound = <-up:
	case err := <-served:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	cli := testApp(bound.session, bound.admin)
	tasks, err := readTasks([]string{"set cell/inv/width 12", "set cell/inv/width 16", "get cell/inv/width"}, nil)
	require.NoError(t, err)
	var out bytes.Buffer
	require.NoError(t, cli.runClient(context.Background(), tasks, &out))
	assert.Contains(t, out.String(), `"previous":"12"`)
	assert.Contains(t, out.String(), `"value":"16"`)

	var status bytes.Buffer
	require.NoError(t, cli.runStatus(context.Background(), &status))
	assert.Contains(t, status.String(), "Status: ok")
	assert.Contains(t, status.String(), "Storage: 1 designs")

	// A retained scan stays listed until it is removed.
	scan, err := readTasks([]string{"scan cell/ width"}, nil)
	require.NoError(t, err)
	require.NoError(t, cli.runClient(context.Background(), scan, io.Discard))
	var list admin.TaskList
	require.NoError(t, admin.GetJSON(context.Background(), "http://"+bound.admin+"/tasks", &list))
	scanID := ""
	for _, ts := range list.Tasks {
		if ts.Name == "scan-keys" {
			scanID = ts.ID
		}
	}
	require.NotEmpty(t, scanID, "scan should be retained")

	var control bytes.Buffer
	require.NoError(t, cli.runAbort(context.Background(), scanID, &control))
	assert.Contains(t, control.String(), "abort requested for "+scanID)
	require.NoError(t, cli.runRemove(context.Background(), scanID, &control))
	assert.Contains(t, control.String(), "removed "+scanID)
	assert.ErrorContains(t, cli.runRemove(context.Background(), scanID, io.Discard), "404")

	// Aborting a task the server does not know is reported, as is a bad id.
	assert.ErrorContains(t, cli.runAbort(context.Background(), uuid.NewString(), io.Discard), "404")
	assert.ErrorContains(t, cli.runAbort(context.Background(), "not-an-id", io.Discard), "task id")

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
