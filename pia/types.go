package pia

import (
	"fmt"
	"sort"
	"time"
)

// Server groups used by the renewal flow.
const (
	GroupMeta      = "meta"
	GroupWireGuard = "wg"
)

type Servers struct {
	Groups  map[string]Group `json:"groups"`
	Regions []*Region        `json:"regions"`
}

type Group []struct {
	Name  string `json:"name"`
	Ports []int  `json:"ports"`
}

type Region struct {
	ID             string               `json:"id"`
	Name           string               `json:"name"`
	Country        string               `json:"country"`
	AutoRegion     bool                 `json:"auto_region"`
	DNS            string               `json:"dns"`
	PortForwarding bool                 `json:"port_forward"`
	Geo            bool                 `json:"geo"`
	Servers        map[string]Endpoints `json:"servers"`
}

// Meta returns the first metadata server of the region.
func (r *Region) Meta() Endpoint {
	return r.Servers[GroupMeta][0]
}

// Gateway returns the first WireGuard gateway of the region.
func (r *Region) Gateway() Endpoint {
	return r.Servers[GroupWireGuard][0]
}

func (r *Region) usable() bool {
	return len(r.Servers[GroupMeta]) > 0 && len(r.Servers[GroupWireGuard]) > 0
}

type Endpoint struct {
	IP         string `json:"ip"`
	CommonName string `json:"cn"`
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s(%s)", e.CommonName, e.IP)
}

type Endpoints []Endpoint

type AddedKey struct {
	Status          string   `json:"status"`
	ServerKey       string   `json:"server_key"`
	ServerPort      int      `json:"server_port"`
	ServerIP        string   `json:"server_ip"`
	ServerVirtualIP string   `json:"server_vip"`
	PeerIP          string   `json:"peer_ip"`
	PeerPublicKey   string   `json:"peer_pubkey"`
	DNSServers      []string `json:"dns_servers"`
}

// Catalog is an immutable index of the server list by region id.
// Regions without both a metadata and a WireGuard server are left out.
type Catalog struct {
	FetchedAt time.Time

	regions map[string]*Region
	order   []string
}

func NewCatalog(servers *Servers, fetchedAt time.Time) *Catalog {
	c := &Catalog{
		FetchedAt: fetchedAt,
		regions:   make(map[string]*Region, len(servers.Regions)),
	}
	for _, r := range servers.Regions {
		if r == nil || r.ID == "" || !r.usable() {
			continue
		}
		if _, dup := c.regions[r.ID]; !dup {
			c.order = append(c.order, r.ID)
		}
		c.regions[r.ID] = r
	}
	sort.Strings(c.order)
	return c
}

// Resolve looks a region up by id.
func (c *Catalog) Resolve(id string) (*Region, error) {
	if c == nil {
		return nil, ErrDirectoryUnavailable
	}
	r, ok := c.regions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRegion, id)
	}
	return r, nil
}

// Regions returns all regions ordered by id.
func (c *Catalog) Regions() []*Region {
	out := make([]*Region, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.regions[id])
	}
	return out
}

func (c *Catalog) Len() int {
	return len(c.order)
}
