package backup

import "github.com/abbbi/qmpbackup-go/internal/config"

// Level is re-exported from config so callers in this package don't need to
// import both; LevelAuto never reaches here, it is collapsed in ResolveLevel.
type Level = config.Level

const (
	LevelFull = config.LevelFull
	LevelInc  = config.LevelInc
	LevelCopy = config.LevelCopy
)

// traits captures the four attributes that vary across backup levels (spec
// §9 "Prefer a tagged-variant level with a table of these four attributes
// over subclassing"): whether the bitmap persists, whether it is created or
// reused, the job's sync mode, and how the bitmap is cleared or removed,
// held here as the bitmap-mode passed to the job plus a remove-after flag.
type traits struct {
	bitmapPersistent  bool
	createBitmap      bool
	syncMode          string // "full" | "incremental"
	bitmapMode        string // "" | "on-success"
	removeBitmapAfter bool
}

var levelTraits = map[Level]traits{
	LevelFull: {
		bitmapPersistent: true,
		createBitmap:     true,
		syncMode:         "full",
	},
	LevelInc: {
		bitmapPersistent: true,
		createBitmap:     false,
		syncMode:         "incremental",
		bitmapMode:       "on-success",
	},
	LevelCopy: {
		bitmapPersistent:  false,
		createBitmap:      true,
		syncMode:          "full",
		removeBitmapAfter: true,
	},
}

func (l Level) traits() traits { return levelTraits[l] }
