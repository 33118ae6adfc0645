package runtimeconfig

import (
	"fmt"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/Octogonapus/RackBench/topology"
)

// Filename is where the config of an instance lives inside the run directory.
func Filename(runDir string, inst *topology.Instance) string {
	return path.Join(runDir, inst.Name+".config")
}

// Render produces the runtime config of inst: its own address and thread counts, then one static
// ARP entry per peer so the runtime never has to resolve addresses on the wire.
func Render(e *topology.Experiment, inst *topology.Instance) []byte {
	net := e.Inventory.Network
	lines := []string{
		"host_addr " + inst.IP,
		"host_netmask " + net.Netmask,
		"host_gateway " + net.Gateway,
		fmt.Sprintf("runtime_kthreads %d", inst.Threads),
		fmt.Sprintf("runtime_guaranteed_kthreads %d", inst.Guaranteed),
		fmt.Sprintf("runtime_spinning_kthreads %d", inst.Spin),
	}
	if inst.MAC != "" {
		lines = append(lines, "host_mac "+inst.MAC)
	}
	if inst.Guaranteed > 0 {
		lines = append(lines, "disable_watchdog true")
	}

	arp := func(ip, mac string) {
		lines = append(lines, fmt.Sprintf("static_arp %s %s", ip, mac))
	}
	if e.System.PrivateNetwork() {
		for _, app := range e.AllApps() {
			if app.IP != inst.IP {
				arp(app.IP, app.MAC)
			}
		}
	} else {
		for _, id := range sortedHosts(e.Inventory.Hosts) {
			h := e.Inventory.Hosts[id]
			arp(h.IP, h.MAC)
		}
	}
	for _, client := range e.AllClients() {
		if client.IP != inst.IP {
			arp(client.IP, client.MAC)
		}
	}
	if e.ObserverHost != "" {
		if h, err := e.Inventory.Host(e.ObserverHost); err == nil {
			arp(h.IP, h.MAC)
		}
	}
	return []byte(strings.Join(lines, "\n") + "\n")
}

// WriteConfig overwrites filename with the rendered config. The directory must already exist.
func WriteConfig(filename string, e *topology.Experiment, inst *topology.Instance) error {
	if err := os.WriteFile(filename, Render(e, inst), 0o644); err != nil {
		return fmt.Errorf("can't write config for %s: %w", inst.Name, err)
	}
	return nil
}

func sortedHosts(hosts map[string]topology.HostInfo) []string {
	ids := make([]string, 0, len(hosts))
	for id := range hosts {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
