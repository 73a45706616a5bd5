package hal

import "github.com/rs/zerolog/log"

// MountGuard unmounts its target when closed unless released first.
// Close never returns an error; a failed unmount is logged and swallowed
// so that guard unwinding can continue past it.
type MountGuard struct {
	sys       MountOps
	target    string
	recursive bool
	dryRun    bool
	armed     bool
}

// NewMountGuard arms a guard for an already-mounted target.
func NewMountGuard(sys MountOps, target string, recursive, dryRun bool) *MountGuard {
	return &MountGuard{sys: sys, target: target, recursive: recursive, dryRun: dryRun, armed: true}
}

// Target returns the guarded mount point.
func (g *MountGuard) Target() string {
	return g.target
}

// Release disarms the guard; Close becomes a no-op. Used when the mount
// should outlive the scope, for example a successfully installed system
// left mounted for inspection.
func (g *MountGuard) Release() {
	g.armed = false
}

// Close unmounts the target if still armed. Idempotent.
func (g *MountGuard) Close() {
	if !g.armed {
		return
	}
	g.armed = false
	var err error
	if g.recursive {
		err = g.sys.UnmountRecursive(g.target, g.dryRun)
	} else {
		err = g.sys.Unmount(g.target, g.dryRun)
	}
	if err != nil {
		log.Warn().Str("target", g.target).Err(err).Msg("guard unmount failed")
	}
}

// LoopGuard detaches its loop device when closed unless released first.
// Same contract as MountGuard: Close logs failures and never escalates.
type LoopGuard struct {
	sys    LoopOps
	device string
	armed  bool
}

// NewLoopGuard arms a guard for an attached loop device.
func NewLoopGuard(sys LoopOps, device string) *LoopGuard {
	return &LoopGuard{sys: sys, device: device, armed: true}
}

// Device returns the guarded loop device path.
func (g *LoopGuard) Device() string {
	return g.device
}

// Release disarms the guard; Close becomes a no-op.
func (g *LoopGuard) Release() {
	g.armed = false
}

// Close detaches the loop device if still armed. Idempotent.
func (g *LoopGuard) Close() {
	if !g.armed {
		return
	}
	g.armed = false
	if err := g.sys.LosetupDetach(g.device); err != nil {
		log.Warn().Str("device", g.device).Err(err).Msg("guard loop detach failed")
	}
}
