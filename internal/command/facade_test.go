package command

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/abbbi/qmpbackup-go/internal/monitor"
)

func startFakeMonitor(t *testing.T, handler func(conn net.Conn)) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "monitor.sock")
	l, err := net.Listen("unix", socketPath)
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
		handler(conn)
	}()
	return socketPath
}

func handshake(conn net.Conn) {
	conn.Write([]byte(`{"QMP":{}}` + "\n"))
	buf := make([]byte, 4096)
	conn.Read(buf)
	conn.Write([]byte(`{"return":{}}` + "\n"))
}

func readRequestID(t *testing.T, buf []byte) (string, map[string]any) {
	t.Helper()
	var req map[string]any
	if err := json.Unmarshal(buf, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	id, _ := req["id"].(string)
	return id, req
}

func connectFacade(t *testing.T, handler func(conn net.Conn)) *Facade {
	t.Helper()
	sock := startFakeMonitor(t, handler)
	c, err := monitor.Connect(context.Background(), sock)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return New(c)
}

func TestQueryBlock(t *testing.T) {
	t.Parallel()
	f := connectFacade(t, func(conn net.Conn) {
		handshake(conn)
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		id, _ := readRequestID(t, buf[:n])
		resp := `{"return":[{"device":"disk1","qdev":"dev0","inserted":{"node-name":"node0","drv":"qcow2","image":{"filename":"/vm/disk1.qcow2","format":"qcow2","virtual-size":10737418240}}}],"id":"` + id + `"}`
		conn.Write([]byte(resp + "\n"))
	})

	devices, err := f.QueryBlock(context.Background())
	if err != nil {
		t.Fatalf("QueryBlock: %v", err)
	}
	if len(devices) != 1 || devices[0].Device != "disk1" {
		t.Fatalf("unexpected devices: %+v", devices)
	}
	if devices[0].Inserted.Image.Format != "qcow2" {
		t.Fatalf("expected qcow2 format, got %+v", devices[0].Inserted)
	}
}

func TestBitmapAdd(t *testing.T) {
	t.Parallel()
	var gotArgs map[string]any
	f := connectFacade(t, func(conn net.Conn) {
		handshake(conn)
		buf := make([]byte, 4096)
		n, _ := conn.Read(buf)
		id, req := readRequestID(t, buf[:n])
		gotArgs, _ = req["arguments"].(map[string]any)
		conn.Write([]byte(`{"return":{},"id":"` + id + `"}` + "\n"))
	})

	if err := f.BitmapAdd(context.Background(), "node0", "qmpbackup-node0-uuid", true, 0); err != nil {
		t.Fatalf("BitmapAdd: %v", err)
	}
	if gotArgs["node"] != "node0" || gotArgs["name"] != "qmpbackup-node0-uuid" || gotArgs["persistent"] != true {
		t.Fatalf("unexpected arguments sent: %+v", gotArgs)
	}
}

func TestCommit_TransactionShape(t *testing.T) {
	t.Parallel()
	var raw []byte
	f := connectFacade(t, func(conn net.Conn) {
		handshake(conn)
		buf := make([]byte, 8192)
		n, _ := conn.Read(buf)
		raw = append([]byte(nil), buf[:n]...)
		var req map[string]any
		json.Unmarshal(raw, &req)
		id, _ := req["id"].(string)
		conn.Write([]byte(`{"return":{},"id":"` + id + `"}` + "\n"))
	})

	txn := NewTransaction().
		AddBitmap("node0", "qmpbackup-node0-uuid", true).
		Backup(BlockdevBackupArgs{JobID: "qmpbackup-disk1", Device: "node0", Target: "target0", Sync: "full", Bitmap: "qmpbackup-node0-uuid"})

	if err := f.Commit(context.Background(), txn); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if !strings.Contains(string(raw), `"execute":"transaction"`) {
		t.Fatalf("expected transaction envelope, got: %s", raw)
	}
	if !strings.Contains(string(raw), `"block-dirty-bitmap-add"`) || !strings.Contains(string(raw), `"blockdev-backup"`) {
		t.Fatalf("expected both actions present, got: %s", raw)
	}
}

func TestWaitForEvent_Predicate(t *testing.T) {
	t.Parallel()
	f := connectFacade(t, func(conn net.Conn) {
		handshake(conn)
		time.Sleep(20 * time.Millisecond)
		conn.Write([]byte(`{"event":"BLOCK_JOB_COMPLETED","data":{"device":"qmpbackup-disk1"}}` + "\n"))
	})

	err := f.WaitForEvent(context.Background(), "BLOCK_JOB_COMPLETED", 2*time.Second, func(ev monitor.Event) bool {
		var d struct {
			Device string `json:"device"`
		}
		_ = json.Unmarshal(ev.Data, &d)
		return strings.HasPrefix(d.Device, "qmpbackup-")
	})
	if err != nil {
		t.Fatalf("WaitForEvent: %v", err)
	}
}
