// Package worker implements the daemon side of the exchange: it probes the
// host, maintains a coordinator session and executes assigned jobs in a
// sandbox.
package worker

import (
	"os/exec"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/campusgrid/campusgrid/log"
	"github.com/campusgrid/campusgrid/protocol"
)

// ProbeSpecs inspects the host and returns the resource profile advertised
// at registration. Probe failures degrade to conservative values rather
// than aborting startup.
func ProbeSpecs(dockerAvailable bool) protocol.WorkerSpecs {
	specs := protocol.WorkerSpecs{
		CPUCores:        1,
		RAMGB:           1,
		DockerAvailable: dockerAvailable,
		OSFamily:        runtime.GOOS,
	}

	if count, err := cpu.Counts(true); err == nil && count > 0 {
		specs.CPUCores = count
	} else if err != nil {
		log.Warnf(log.WorkerMgr, "CPU probe: %v", err)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		specs.RAMGB = float64(vm.Total) / float64(1<<30)
	} else {
		log.Warnf(log.WorkerMgr, "Memory probe: %v", err)
	}

	specs.GPUName = probeGPU()
	return specs
}

// probeGPU shells out to nvidia-smi; no output means no usable GPU
func probeGPU() string {
	out, err := exec.Command("nvidia-smi",
		"--query-gpu=name", "--format=csv,noheader").Output()
	if err != nil {
		return ""
	}
	name, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(name)
}
