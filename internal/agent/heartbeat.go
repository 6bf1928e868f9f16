package agent

import (
	"time"

	"github.com/armadaproject/corral/internal/common/corralcontext"
	"github.com/armadaproject/corral/pkg/wire"
)

const mib = 1 << 20

// SystemInfo is what the agent reports about its host.
type SystemInfo struct {
	Cpus         uint32
	RealMemoryMB uint64
	FreeMemoryMB uint64
	TmpDiskMB    uint64
	// Load averages multiplied by 100
	Load     [3]uint32
	BootTime time.Time
	BootId   string
}

func (a *Agent) registration() *wire.NodeRegistration {
	info, err := a.systemInfo()
	if err != nil {
		a.ctx.Log.WithError(err).Warn("Unable to read system information")
		info = SystemInfo{Cpus: a.node.CPUs, RealMemoryMB: uint64(a.node.RealMemory)}
	}
	a.mu.Lock()
	startup := !a.registered
	a.mu.Unlock()
	return &wire.NodeRegistration{
		NodeName:     a.node.NodeName,
		Startup:      startup,
		BootId:       a.bootId,
		BootTime:     a.bootTime,
		AgentTime:    a.clock.Now(),
		Cpus:         info.Cpus,
		RealMemoryMB: info.RealMemoryMB,
		TmpDiskMB:    info.TmpDiskMB,
		FreeMemoryMB: info.FreeMemoryMB,
		Load:         info.Load,
		Steps:        a.steps.Refs(),
	}
}

// register sends one registration. The first one the controller accepts ends startup.
func (a *Agent) register(ctx *corralcontext.Context) {
	msg := a.registration()
	if _, err := a.dialer.Call(ctx, a.controllerAddr, msg); err != nil {
		ctx.Log.WithError(err).Warnf("Unable to register with controller at %s", a.controllerAddr)
		return
	}
	a.mu.Lock()
	first := !a.registered
	a.registered = true
	a.mu.Unlock()
	if first {
		ctx.Log.Infof("Registered node %s with %d steps running", a.node.NodeName, len(msg.Steps))
		a.startup.MarkComplete()
	}
}

func (a *Agent) heartbeat() {
	a.register(a.ctx)
}

// requestedRegistration answers a controller request for registration, at most once per registrationInterval.
func (a *Agent) requestedRegistration() {
	if !a.limiter.Allow() {
		a.ctx.Log.Debug("Ignoring registration request inside the rate limit")
		return
	}
	a.register(a.ctx)
}
