package systemmonitor

import (
	"strconv"
	"strings"
	"time"

	"github.com/Octogonapus/RackBench/report"
)

func (mon *SystemMonitor) appendNetworkMetrics(now time.Time, buf []byte) {
	for _, line := range strings.Split(string(buf), "\n") {
		parts := strings.Fields(line)
		if len(parts) != 17 {
			continue
		}

		iface := strings.TrimSuffix(parts[0], ":")
		if mon.ifName != "" && iface != mon.ifName {
			continue
		}
		recvBytes, _ := strconv.Atoi(parts[1])
		recvPackets, _ := strconv.Atoi(parts[2])
		sendBytes, _ := strconv.Atoi(parts[9])
		sendPackets, _ := strconv.Atoi(parts[10])

		m := func(v int) report.DeviceMeasurement[int] {
			return report.DeviceMeasurement[int]{DeviceName: iface, Measurement: report.Measurement[int]{Time: now.Unix(), Value: v}}
		}
		mon.mu.Lock()
		mon.sm.NetBytesSent = append(mon.sm.NetBytesSent, m(sendBytes))
		mon.sm.NetBytesRecv = append(mon.sm.NetBytesRecv, m(recvBytes))
		mon.sm.NetPacketsSent = append(mon.sm.NetPacketsSent, m(sendPackets))
		mon.sm.NetPacketsRecv = append(mon.sm.NetPacketsRecv, m(recvPackets))
		mon.mu.Unlock()

		mon.logf("net %s rxbytes=%d rxpkts=%d txbytes=%d txpkts=%d", iface, recvBytes, recvPackets, sendBytes, sendPackets)
	}
}
