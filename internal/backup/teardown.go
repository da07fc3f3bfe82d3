package backup

import (
	"context"
	"sort"

	"github.com/abbbi/qmpbackup-go/internal/applog"
)

// Teardown phases, fixed by spec §4.D/§5: "Teardown (always runs, even on
// success, in fixed reverse order): 1. thaw ... 7. remove copy bitmaps;
// 8. disconnect." Disconnect is owned by the CLI layer, which closes the
// monitor connection after Execute returns, so only 1-7 are modeled here.
const (
	phaseThaw = iota + 1
	phaseSnapshotAccess
	phaseRestoreTop
	phaseCBW
	phaseTarget
	phaseFleece
	phaseCopyBitmap
)

// teardownStep is one entry in the release stack (spec §9 "Scoped
// acquisition ... model as a stack of deferred releases with a best-effort
// flag per step so one teardown failure does not skip later steps"),
// generalizing the teacher's single guarded-bool deferred closures into a
// reusable stack since the orchestrator acquires far more resources per
// device than the teacher's single drive-mirror job. Unlike a plain
// acquisition-order stack, every step carries a fixed phase: resources are
// acquired per-device in build order, but must be released in the spec's
// invariant cross-device order, not simply the reverse of acquisition.
type teardownStep struct {
	phase int
	name  string
	fn    func(ctx context.Context) error
}

type teardownStack struct {
	steps []teardownStep
}

func (s *teardownStack) push(phase int, name string, fn func(ctx context.Context) error) {
	s.steps = append(s.steps, teardownStep{phase: phase, name: name, fn: fn})
}

// run executes every pushed step in ascending phase order, preserving push
// order within a phase. Each failure is logged as a warning and never skips
// subsequent steps (spec §4.D "Teardown (always runs ... in fixed reverse
// order)", §7 "teardown steps run under a best-effort regime").
func (s *teardownStack) run(ctx context.Context, log applog.Logger) {
	ordered := make([]teardownStep, len(s.steps))
	copy(ordered, s.steps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].phase < ordered[j].phase })

	for _, step := range ordered {
		if err := step.fn(ctx); err != nil {
			log.Warning("teardown step failed", "step", step.name, "error", err)
		}
	}
}
