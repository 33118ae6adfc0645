package topology

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_hosts.yaml
var defaultInventoryYAML []byte

// Network describes the private /24 used by the userspace networking stack.
type Network struct {
	Prefix  string `json:"prefix" yaml:"prefix"`
	Netmask string `json:"netmask" yaml:"netmask"`
	Gateway string `json:"gateway" yaml:"gateway"`
}

// HostInfo is the fixed identity of one physical machine.
type HostInfo struct {
	IP     string `json:"ip" yaml:"ip"`
	MAC    string `json:"mac" yaml:"mac"`
	NICPCI string `json:"nic_pci" yaml:"nic_pci"`
	IfName string `json:"ifname" yaml:"ifname"`

	// Address is what ssh dials. Defaults to the host id when empty.
	Address string `json:"address,omitempty" yaml:"address,omitempty"`
}

// CompanionPlacement says where the remote memory service runs.
type CompanionPlacement struct {
	Controller     string   `json:"controller" yaml:"controller"`
	ControllerPort int      `json:"controller_port" yaml:"controller_port"`
	Servers        []string `json:"servers" yaml:"servers"`
	ServerPort     int      `json:"server_port" yaml:"server_port"`

	// ReadyPattern is a line the controller and memory servers print once they accept
	// connections. Without it they get a fixed pause after starting.
	ReadyPattern string `json:"ready_pattern,omitempty" yaml:"ready_pattern,omitempty"`
}

type Inventory struct {
	Network            Network             `json:"network" yaml:"network"`
	Coordinator        string              `json:"coordinator" yaml:"coordinator"`
	Clients            []string            `json:"clients" yaml:"clients"`
	Observer           string              `json:"observer,omitempty" yaml:"observer,omitempty"`
	ClientMachineCores int                 `json:"client_machine_cores" yaml:"client_machine_cores"`
	ServerCores        int                 `json:"server_cores" yaml:"server_cores"`
	NICNUMANode        int                 `json:"nic_numa_node" yaml:"nic_numa_node"`
	User               string              `json:"user" yaml:"user"`
	Binaries           map[string]string   `json:"binaries" yaml:"binaries"`
	Companion          CompanionPlacement  `json:"companion" yaml:"companion"`
	Hosts              map[string]HostInfo `json:"hosts" yaml:"hosts"`
}

func DefaultInventory() (*Inventory, error) {
	return ParseInventory(defaultInventoryYAML, ".yaml")
}

func LoadInventory(filename string) (*Inventory, error) {
	buf, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return ParseInventory(buf, path.Ext(filename))
}

// ParseInventory decodes buf as JSON or YAML depending on ext.
func ParseInventory(buf []byte, ext string) (*Inventory, error) {
	inv := &Inventory{}
	if err := unmarshalByExt(buf, ext, inv); err != nil {
		return nil, fmt.Errorf("can't parse inventory: %w", err)
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	return inv, nil
}

func (inv *Inventory) Validate() error {
	if inv.Network.Prefix == "" {
		return fmt.Errorf("inventory: network prefix is required")
	}
	if _, ok := inv.Hosts[inv.Coordinator]; !ok {
		return fmt.Errorf("inventory: coordinator %q is not a known host", inv.Coordinator)
	}
	if len(inv.Clients) == 0 {
		return fmt.Errorf("inventory: at least one client host is required")
	}
	for _, c := range inv.Clients {
		if _, ok := inv.Hosts[c]; !ok {
			return fmt.Errorf("inventory: client %q is not a known host", c)
		}
	}
	if inv.Observer != "" {
		if _, ok := inv.Hosts[inv.Observer]; !ok {
			return fmt.Errorf("inventory: observer %q is not a known host", inv.Observer)
		}
	}
	return nil
}

func (inv *Inventory) Host(id string) (HostInfo, error) {
	h, ok := inv.Hosts[id]
	if !ok {
		return HostInfo{}, fmt.Errorf("unknown host: %s", id)
	}
	return h, nil
}

// Address returns the address ssh should dial for host id.
func (inv *Inventory) Address(id string) string {
	if h, ok := inv.Hosts[id]; ok && h.Address != "" {
		return h.Address
	}
	return id
}

// IP returns the private network address of node number node.
func (inv *Inventory) IP(node int) string {
	return fmt.Sprintf("%s.%d", inv.Network.Prefix, node)
}

func (inv *Inventory) Binary(app string) (string, error) {
	b, ok := inv.Binaries[app]
	if !ok || b == "" {
		return "", fmt.Errorf("no binary configured for %s", app)
	}
	return b, nil
}

func unmarshalByExt(buf []byte, ext string, out any) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(buf, out)
	default:
		return json.Unmarshal(buf, out)
	}
}

func marshalByExt(ext string, in any) ([]byte, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return yaml.Marshal(in)
	default:
		return json.MarshalIndent(in, "", "\t")
	}
}
