package backup

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/abbbi/qmpbackup-go/internal/applog"
	"github.com/abbbi/qmpbackup-go/internal/command"
	"github.com/abbbi/qmpbackup-go/internal/config"
	"github.com/abbbi/qmpbackup-go/internal/device"
	"github.com/abbbi/qmpbackup-go/internal/imgtool"
	"github.com/abbbi/qmpbackup-go/internal/monitor"
)

// fakeHypervisor answers every request with an empty {"return":{}} unless
// overridden below, and simulates the auto-finalize=false/auto-dismiss=false
// job lifecycle spec §4.D requires: every blockdev-backup job in a
// transaction fires JOB_STATUS_CHANGE(pending) shortly after the transaction
// commits; only once the orchestrator replies with block-job-finalize does
// the job fire its terminal BLOCK_JOB_COMPLETED event. block-job-dismiss is
// acknowledged but otherwise a no-op, matching a real job record that is
// simply dropped from query-block-jobs once dismissed.
func fakeHypervisor(t *testing.T, sock string) {
	t.Helper()
	l, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		conn.Write([]byte(`{"QMP":{"version":{}}}` + "\n"))
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 64*1024), 64*1024)

		for scanner.Scan() {
			var req map[string]any
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			id, _ := req["id"].(string)
			execute, _ := req["execute"].(string)

			switch execute {
			case "query-block-jobs":
				conn.Write(append([]byte(`{"return":[],"id":"`+id+`"}`), '\n'))
			default:
				conn.Write(append([]byte(`{"return":{},"id":"`+id+`"}`), '\n'))
			}

			switch execute {
			case "transaction":
				args, _ := req["arguments"].(map[string]any)
				actions, _ := args["actions"].([]any)
				for _, a := range actions {
					action, _ := a.(map[string]any)
					if action["type"] != "blockdev-backup" {
						continue
					}
					data, _ := action["data"].(map[string]any)
					jobID, _ := data["job-id"].(string)
					go func(jobID string) {
						time.Sleep(5 * time.Millisecond)
						writeEvent(conn, "JOB_STATUS_CHANGE", map[string]any{"id": jobID, "status": "pending"})
					}(jobID)
				}
			case "block-job-finalize":
				args, _ := req["arguments"].(map[string]any)
				jobID, _ := args["id"].(string)
				go func(jobID string) {
					time.Sleep(5 * time.Millisecond)
					writeEvent(conn, "BLOCK_JOB_COMPLETED", map[string]any{"device": jobID})
				}(jobID)
			}
		}
	}()
}

func writeEvent(conn net.Conn, name string, data map[string]any) {
	ev := map[string]any{
		"event":     name,
		"data":      data,
		"timestamp": map[string]any{"seconds": 0, "microseconds": 0},
	}
	b, _ := json.Marshal(ev)
	conn.Write(append(b, '\n'))
}

// fakeImgTool returns a Driver whose binary is a stub script that creates an
// empty file at the path argument instead of invoking real qemu-img,
// standing in for a working image tool the way
// internal/restore/engine_test.go's fakeSuccessTool does.
func fakeImgTool(t *testing.T) *imgtool.Driver {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-qemu-img.sh")
	script := "#!/bin/sh\neval path=\\${$(($# - 1))}\ntouch \"$path\"\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fake tool: %v", err)
	}
	return &imgtool.Driver{Binary: path}
}

func testDevice(node, filename string) device.BlockDevice {
	return device.BlockDevice{
		Node:        node,
		Device:      "",
		Filename:    filename,
		Format:      "qcow2",
		VirtualSize: 1 << 30,
	}
}

func TestRun_Execute_FullLevel_HappyPath(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sock := filepath.Join(dir, "monitor.sock")
	fakeHypervisor(t, sock)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := monitor.Connect(ctx, sock)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	facade := command.New(client)
	target := filepath.Join(dir, "backups")

	run := &Run{
		Opts: config.BackupOptions{
			Socket: sock,
			Level:  config.LevelFull,
			Target: target,
		},
		Facade:  facade,
		Log:     applog.Nop(),
		ImgTool: fakeImgTool(t),
	}

	devices := []device.BlockDevice{testDevice("node-disk1", "/var/lib/vms/disk1.qcow2")}

	res, err := run.Execute(ctx, devices)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.SignalCaught {
		t.Fatal("did not expect signal caught")
	}
	if res.Level != LevelFull {
		t.Fatalf("expected level full, got %s", res.Level)
	}

	entries, err := os.ReadDir(filepath.Join(target, "node-disk1"))
	if err != nil {
		t.Fatalf("reading device dir: %v", err)
	}
	found := false
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".partial" && e.Type()&os.ModeSymlink == 0 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a finalized (non-.partial) target file, got %v", entries)
	}
}

func TestRun_Execute_IncWithoutFullFails(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sock := filepath.Join(dir, "monitor.sock")
	fakeHypervisor(t, sock)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := monitor.Connect(ctx, sock)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	target := filepath.Join(dir, "backups")
	if err := os.MkdirAll(target, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(target, "uuid"), []byte("11111111-1111-1111-1111-111111111111"), 0o644); err != nil {
		t.Fatal(err)
	}

	run := &Run{
		Opts: config.BackupOptions{
			Socket: sock,
			Level:  config.LevelInc,
			Target: target,
		},
		Facade: command.New(client),
		Log:    applog.Nop(),
	}

	_, err = run.Execute(ctx, []device.BlockDevice{testDevice("node-disk1", "/var/lib/vms/disk1.qcow2")})
	if err == nil {
		t.Fatal("expected an error: no full backup exists yet")
	}
}

func TestRun_Execute_PartialBlocksNewRun(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sock := filepath.Join(dir, "monitor.sock")
	fakeHypervisor(t, sock)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := monitor.Connect(ctx, sock)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	target := filepath.Join(dir, "backups")
	devDir := filepath.Join(target, "node-disk1")
	if err := os.MkdirAll(devDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(devDir, "FULL-1-disk1.qcow2.partial"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	run := &Run{
		Opts: config.BackupOptions{
			Socket: sock,
			Level:  config.LevelFull,
			Target: target,
		},
		Facade: command.New(client),
		Log:    applog.Nop(),
	}

	_, err = run.Execute(ctx, []device.BlockDevice{testDevice("node-disk1", "/var/lib/vms/disk1.qcow2")})
	if err == nil {
		t.Fatal("expected an error: a .partial file must block the run before any monitor I/O")
	}
}

func TestResolveLevel_AutoCollapsesToFullThenInc(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if got := ResolveLevel(config.LevelAuto, dir); got != LevelFull {
		t.Fatalf("expected full in empty dir, got %s", got)
	}
	if err := os.WriteFile(filepath.Join(dir, "uuid"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := ResolveLevel(config.LevelAuto, dir); got != LevelInc {
		t.Fatalf("expected inc once uuid exists, got %s", got)
	}
}
