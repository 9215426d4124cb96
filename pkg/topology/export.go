package topology

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Document is the serializable form of a topology plan.
type Document struct {
	Routers []RouterDoc `yaml:"routers" json:"routers"`
	Hosts   []HostDoc   `yaml:"hosts" json:"hosts"`
	Links   []LinkDoc   `yaml:"links" json:"links"`
}

// RouterDoc lists a router's interface addresses.
type RouterDoc struct {
	Name       string     `yaml:"name" json:"name"`
	Interfaces []IfaceDoc `yaml:"interfaces" json:"interfaces"`
}

// IfaceDoc is one interface and its address in CIDR notation.
type IfaceDoc struct {
	Name    string `yaml:"name" json:"name"`
	Address string `yaml:"address" json:"address"`
}

// HostDoc is an end host with its address and default gateway.
type HostDoc struct {
	Name    string `yaml:"name" json:"name"`
	Address string `yaml:"address" json:"address"`
	Gateway string `yaml:"gateway" json:"gateway"`
}

// LinkDoc is a link as "node:interface" endpoints.
type LinkDoc struct {
	Kind   LinkKind `yaml:"kind" json:"kind"`
	A      string   `yaml:"a" json:"a"`
	Z      string   `yaml:"z" json:"z"`
	Subnet string   `yaml:"subnet" json:"subnet"`
}

// Export returns the plan as a Document.
func (t *Topology) Export() Document {
	var doc Document
	for _, r := range t.Routers {
		rd := RouterDoc{Name: r.Name}
		for _, iface := range r.Interfaces() {
			rd.Interfaces = append(rd.Interfaces, IfaceDoc{Name: iface.Name, Address: iface.Prefix.String()})
		}
		doc.Routers = append(doc.Routers, rd)
	}
	for _, h := range t.AllHosts() {
		doc.Hosts = append(doc.Hosts, HostDoc{
			Name:    h.Name,
			Address: h.Iface.Prefix.String(),
			Gateway: h.Gateway.String(),
		})
	}
	for _, l := range t.Links {
		doc.Links = append(doc.Links, LinkDoc{
			Kind:   l.Kind,
			A:      l.A.Endpoint().String(),
			Z:      l.Z.Endpoint().String(),
			Subnet: l.Subnet().String(),
		})
	}
	return doc
}

// YAML renders the plan as YAML.
func (t *Topology) YAML() ([]byte, error) {
	data, err := yaml.Marshal(t.Export())
	if err != nil {
		return nil, fmt.Errorf("topology: marshal plan: %w", err)
	}
	return data, nil
}
