package command

// RawBlockInfo is one entry as reported by query-block, shaped after the
// BlockDevice/BlockInserted/BlockImage fields documented by QEMU and mirrored
// in mulgadc-hive's hive/qmp package, extended with the dirty-bitmaps field
// the device selector needs (spec §3 BlockDevice, §4.C).
type RawBlockInfo struct {
	Device    string            `json:"device"`
	QDev      string            `json:"qdev,omitempty"`
	Locked    bool              `json:"locked"`
	Removable bool              `json:"removable"`
	TrayOpen  *bool             `json:"tray_open,omitempty"`
	Inserted  *RawBlockInserted `json:"inserted,omitempty"`
}

// RawBlockInserted is the "inserted" sub-object of a query-block entry; its
// absence means the device has no media (an inserted-empty device, dropped
// by device selector rule 1).
type RawBlockInserted struct {
	NodeName     string           `json:"node-name"`
	Driver       string           `json:"drv"`
	RO           bool             `json:"ro"`
	Image        RawBlockImage    `json:"image"`
	DirtyBitmaps []RawDirtyBitmap `json:"dirty-bitmaps,omitempty"`
}

// RawBlockImage is the "image" sub-object: format, filename and virtual
// size. The backing image, if any, is not decoded.
type RawBlockImage struct {
	Filename    string `json:"filename"`
	Format      string `json:"format"`
	VirtualSize int64  `json:"virtual-size"`
}

// RawDirtyBitmap is one entry of the "dirty-bitmaps" list on an inserted
// image, as reported by query-block (spec §3 Bitmap attributes).
type RawDirtyBitmap struct {
	Name        string `json:"name"`
	Recording   bool   `json:"recording"`
	Persistent  bool   `json:"persistent"`
	Busy        bool   `json:"busy"`
	Granularity int    `json:"granularity"`
}

// BlockJobInfo is one entry returned by query-block-jobs.
type BlockJobInfo struct {
	Device string `json:"device"`
	Type   string `json:"type"`
	Status string `json:"status"`
	Len    int64  `json:"len"`
	Offset int64  `json:"offset"`
	Speed  int64  `json:"speed"`
	Ready  bool   `json:"ready"`
}
