// Package protocol defines the wire types shared by workers, the browse
// client and the control API.
package protocol

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Worker routes.
const (
	RouteFileList = "/file_list/"
	RouteDownload = "/download/"
	RouteHealth   = "/health"
)

// HeaderClient marks requests coming from a file sharer client. FTP
// downloads are refused without it.
const HeaderClient = "X-Client"

// ClientMarker is the value sent in HeaderClient.
const ClientMarker = "filesharer"

// ChildSeparator joins a parent id and a child id into a composite address.
const ChildSeparator = "%"

// Errno values carried in an Envelope.
const (
	ErrnoOK         = 200
	ErrnoBadRequest = 400
	ErrnoNotFound   = 404
	ErrnoInternal   = 500
)

// Envelope wraps every worker response body.
type Envelope struct {
	Errno  int             `json:"errno"`
	Errmsg string          `json:"errmsg"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Descriptor describes a shared file or directory. Directory descriptors
// carry their children as one-key mappings from child name to descriptor.
type Descriptor struct {
	ID              string                   `json:"id"`
	DownloadAddress string                   `json:"downloadAddress"`
	Name            string                   `json:"name"`
	ProtocolTag     string                   `json:"protocolTag"`
	IsDir           bool                     `json:"isDir"`
	Size            int64                    `json:"size,omitempty"`
	Children        []map[string]*Descriptor `json:"children"`
}

// Child returns the child called name.
func (d *Descriptor) Child(name string) (*Descriptor, bool) {
	for _, c := range d.Children {
		if child, ok := c[name]; ok {
			return child, true
		}
	}
	return nil, false
}

// ChildNames returns the children's names, directories first, each group
// sorted.
func (d *Descriptor) ChildNames() []string {
	type named struct {
		name  string
		isDir bool
	}
	var all []named
	for _, c := range d.Children {
		for name, child := range c {
			all = append(all, named{name, child != nil && child.IsDir})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].isDir != all[j].isDir {
			return all[i].isDir
		}
		return all[i].name < all[j].name
	})
	names := make([]string, len(all))
	for i, n := range all {
		names[i] = n.name
	}
	return names
}

// FTPLocation tells a client where to fetch an item shared over FTP.
type FTPLocation struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Path     string `json:"path"` // relative to the FTP root
}

// FTPDownload is the data of a successful FTP-share download request.
type FTPDownload struct {
	FTPAddress FTPLocation `json:"ftpAddress"`
}

// ItemAddress returns the worker URL for route and id.
func ItemAddress(host string, port int, route, id string) string {
	u := url.URL{
		Scheme:  "http",
		Host:    host + ":" + strconv.Itoa(port),
		Path:    route + id,
		RawPath: route + url.PathEscape(id),
	}
	return u.String()
}

// ListingAddress returns the address that lists id.
func ListingAddress(host string, port int, id string) string {
	return ItemAddress(host, port, RouteFileList, id)
}

// DownloadAddress returns the address that downloads id.
func DownloadAddress(host string, port int, id string) string {
	return ItemAddress(host, port, RouteDownload, id)
}

// CompositeID joins a parent id and a child id.
func CompositeID(parentID, childID string) string {
	return parentID + ChildSeparator + childID
}

// SplitID splits a composite id. childID is empty for top-level ids.
func SplitID(id string) (parentID, childID string) {
	parentID, childID, _ = strings.Cut(id, ChildSeparator)
	return parentID, childID
}

// ValidateListingAddress checks that addr is an http listing address and
// returns the item id it names.
func ValidateListingAddress(addr string) (string, error) {
	if !strings.HasPrefix(addr, "http://") {
		return "", fmt.Errorf("address %q must start with http://", addr)
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("address %q: %w", addr, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("address %q has no host", addr)
	}
	id, ok := strings.CutPrefix(u.Path, RouteFileList)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("address %q is not a file list address", addr)
	}
	return id, nil
}

// ValidateDescriptor parses raw and checks its structure recursively: every
// descriptor needs isDir, id, downloadAddress, name and protocolTag, and a
// directory also needs children whose items each map exactly one name.
func ValidateDescriptor(raw []byte) (*Descriptor, error) {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("descriptor is not a JSON object: %w", err)
	}
	if err := checkDescriptor(generic, "$"); err != nil {
		return nil, err
	}
	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	return &d, nil
}

var (
	fileKeys = []string{"id", "downloadAddress", "name", "protocolTag"}
	dirKeys  = append(append([]string{}, fileKeys...), "children")
)

func checkDescriptor(m map[string]any, at string) error {
	isDir, ok := m["isDir"].(bool)
	if !ok {
		return fmt.Errorf("%s: missing isDir", at)
	}
	keys := fileKeys
	if isDir {
		keys = dirKeys
	}
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			return fmt.Errorf("%s: missing %s", at, k)
		}
	}
	if !isDir {
		return nil
	}

	children, ok := m["children"].([]any)
	if !ok {
		return fmt.Errorf("%s: children is not a list", at)
	}
	for i, c := range children {
		entry, ok := c.(map[string]any)
		if !ok || len(entry) != 1 {
			return fmt.Errorf("%s.children[%d]: expected a one-key mapping", at, i)
		}
		for name, v := range entry {
			child, ok := v.(map[string]any)
			if !ok {
				return fmt.Errorf("%s.children[%d]: %s is not an object", at, i, name)
			}
			if err := checkDescriptor(child, at+"/"+name); err != nil {
				return err
			}
		}
	}
	return nil
}
