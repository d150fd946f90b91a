package service

import (
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/zzmx-sudo/file-sharer-LAN/pkg/protocol"
)

// Addresser builds the absolute address of an item for a worker route.
type Addresser func(route, id string) string

// BuildDescriptor describes t. Directories are walked recursively; every
// nested item gets a composite id under the shared entry.
func BuildDescriptor(t Target, addr Addresser) (*protocol.Descriptor, error) {
	return describe(t.Entry.ID, t.ID, t.Rel, t.Path, t.IsDir, t.Size, string(t.Entry.Protocol.Tag()), addr)
}

func describe(parentID, id, rel, p string, isDir bool, size int64, tag string, addr Addresser) (*protocol.Descriptor, error) {
	d := &protocol.Descriptor{
		ID:              id,
		DownloadAddress: addr(protocol.RouteDownload, id),
		Name:            filepath.Base(p),
		ProtocolTag:     tag,
		IsDir:           isDir,
	}
	if !isDir {
		d.Size = size
		return d, nil
	}

	entries, err := os.ReadDir(p)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	d.Children = make([]map[string]*protocol.Descriptor, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			// Vanished between ReadDir and Info.
			continue
		}
		childRel := path.Join(rel, e.Name())
		childID := protocol.CompositeID(parentID, ChildID(childRel))
		child, err := describe(parentID, childID, childRel, filepath.Join(p, e.Name()),
			info.IsDir(), info.Size(), tag, addr)
		if err != nil {
			// Unreadable subdirectories are listed as empty.
			child = &protocol.Descriptor{
				ID:              childID,
				DownloadAddress: addr(protocol.RouteDownload, childID),
				Name:            e.Name(),
				ProtocolTag:     tag,
				IsDir:           true,
				Children:        []map[string]*protocol.Descriptor{},
			}
		}
		d.Children = append(d.Children, map[string]*protocol.Descriptor{e.Name(): child})
	}
	return d, nil
}
