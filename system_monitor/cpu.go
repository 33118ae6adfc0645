package systemmonitor

import (
	"strconv"
	"strings"
	"time"

	"github.com/Octogonapus/RackBench/report"
)

type cpuTimeStat struct {
	user      int
	system    int
	idle      int
	nice      int
	iowait    int
	irq       int
	softIrq   int
	steal     int
	guest     int
	guestNice int
}

func (ts *cpuTimeStat) totalCPUTime() int {
	return ts.user + ts.system + ts.nice + ts.iowait + ts.irq + ts.softIrq + ts.steal + ts.idle
}

func parseCPUTimeStat(buf []byte) *cpuTimeStat {
	for _, line := range strings.Split(string(buf), "\n") {
		// Only the aggregate line; per-core lines start with "cpuN".
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 11 {
			return nil
		}
		vals := make([]int, 10)
		for i := range vals {
			vals[i], _ = strconv.Atoi(parts[i+1])
		}
		return &cpuTimeStat{
			user:      vals[0],
			nice:      vals[1],
			system:    vals[2],
			idle:      vals[3],
			iowait:    vals[4],
			irq:       vals[5],
			softIrq:   vals[6],
			steal:     vals[7],
			guest:     vals[8],
			guestNice: vals[9],
		}
	}
	return nil
}

func (mon *SystemMonitor) appendCPUMetrics(now time.Time, curr *cpuTimeStat, prev *cpuTimeStat) {
	delta := float64(curr.totalCPUTime() - prev.totalCPUTime())
	if delta <= 0 {
		return
	}
	pct := func(c, p int) float64 {
		return float64(100*(c-p)) / delta
	}
	usr := float64(100*(curr.user-prev.user-(curr.guest-prev.guest))) / delta
	sys := pct(curr.system, prev.system)
	idle := pct(curr.idle, prev.idle)
	nice := float64(100*(curr.nice-prev.nice-(curr.guestNice-prev.guestNice))) / delta
	iowait := pct(curr.iowait, prev.iowait)
	irq := pct(curr.irq, prev.irq)
	soft := pct(curr.softIrq, prev.softIrq)
	steal := pct(curr.steal, prev.steal)

	mon.mu.Lock()
	t := now.Unix()
	mon.sm.CpuUsageUser = append(mon.sm.CpuUsageUser, report.Measurement[float64]{Time: t, Value: usr})
	mon.sm.CpuUsageSystem = append(mon.sm.CpuUsageSystem, report.Measurement[float64]{Time: t, Value: sys})
	mon.sm.CpuUsageIdle = append(mon.sm.CpuUsageIdle, report.Measurement[float64]{Time: t, Value: idle})
	mon.sm.CpuUsageNice = append(mon.sm.CpuUsageNice, report.Measurement[float64]{Time: t, Value: nice})
	mon.sm.CpuUsageIowait = append(mon.sm.CpuUsageIowait, report.Measurement[float64]{Time: t, Value: iowait})
	mon.sm.CpuUsageIrq = append(mon.sm.CpuUsageIrq, report.Measurement[float64]{Time: t, Value: irq})
	mon.sm.CpuUsageSoftIrq = append(mon.sm.CpuUsageSoftIrq, report.Measurement[float64]{Time: t, Value: soft})
	mon.sm.CpuUsageSteal = append(mon.sm.CpuUsageSteal, report.Measurement[float64]{Time: t, Value: steal})
	mon.mu.Unlock()

	mon.logf("all %%usr=%.2f %%nice=%.2f %%sys=%.2f %%iowait=%.2f %%irq=%.2f %%soft=%.2f %%steal=%.2f %%idle=%.2f",
		usr, nice, sys, iowait, irq, soft, steal, idle)
}
