package config

import "testing"

func baseBackupOpts() BackupOptions {
	return BackupOptions{
		Socket: "/tmp/monitor.sock",
		Level:  LevelFull,
		Target: "/tmp/backups",
	}
}

func TestBackupOptions_Valid(t *testing.T) {
	t.Parallel()
	if err := baseBackupOpts().Validate(); err != nil {
		t.Fatalf("expected valid options, got %v", err)
	}
}

func TestBackupOptions_MissingSocket(t *testing.T) {
	t.Parallel()
	o := baseBackupOpts()
	o.Socket = ""
	if err := o.Validate(); err == nil {
		t.Fatal("expected error for missing socket")
	}
}

func TestBackupOptions_IncludeExcludeMutuallyExclusive(t *testing.T) {
	t.Parallel()
	o := baseBackupOpts()
	o.Include = []string{"disk1"}
	o.Exclude = []string{"disk2"}
	if err := o.Validate(); err == nil {
		t.Fatal("expected error for include+exclude")
	}
}

func TestBackupOptions_IncludeRawWithCopy(t *testing.T) {
	t.Parallel()
	o := baseBackupOpts()
	o.Level = LevelCopy
	o.IncludeRaw = true
	if err := o.Validate(); err == nil {
		t.Fatal("expected error for include-raw with copy level")
	}
}

func TestBackupOptions_UnknownLevel(t *testing.T) {
	t.Parallel()
	o := baseBackupOpts()
	o.Level = "bogus"
	if err := o.Validate(); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestBackupOptions_NegativeSpeedLimit(t *testing.T) {
	t.Parallel()
	o := baseBackupOpts()
	o.SpeedLimit = -1
	if err := o.Validate(); err == nil {
		t.Fatal("expected error for negative speed limit")
	}
}

func TestBackupOptions_UnknownAIO(t *testing.T) {
	t.Parallel()
	o := baseBackupOpts()
	o.BlockdevAIO = "green-threads"
	if err := o.Validate(); err == nil {
		t.Fatal("expected error for unknown blockdev-aio")
	}
}

func TestParseList(t *testing.T) {
	t.Parallel()
	got := ParseList(" disk1 , disk2,, disk3 ")
	want := []string{"disk1", "disk2", "disk3"}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestParseList_Empty(t *testing.T) {
	t.Parallel()
	if got := ParseList(""); got != nil {
		t.Fatalf("expected nil for empty input, got %v", got)
	}
}

func TestRestoreOptions_Valid(t *testing.T) {
	t.Parallel()
	o := RestoreOptions{Mode: ModeRebase, Dir: "/tmp/b/disk1"}
	if err := o.Validate(); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
}

func TestRestoreOptions_MergeRequiresTargetFile(t *testing.T) {
	t.Parallel()
	o := RestoreOptions{Mode: ModeMerge, Dir: "/tmp/b/disk1"}
	if err := o.Validate(); err == nil {
		t.Fatal("expected error: merge requires --targetfile")
	}
}

func TestRestoreOptions_MissingDir(t *testing.T) {
	t.Parallel()
	o := RestoreOptions{Mode: ModeRebase}
	if err := o.Validate(); err == nil {
		t.Fatal("expected error for missing --dir")
	}
}

func TestRestoreOptions_UnknownMode(t *testing.T) {
	t.Parallel()
	o := RestoreOptions{Mode: "bogus", Dir: "/tmp/b/disk1"}
	if err := o.Validate(); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
