package download

import (
	"fmt"
	"path"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/zzmx-sudo/file-sharer-LAN/internal/share"
	"github.com/zzmx-sudo/file-sharer-LAN/pkg/protocol"
)

// Expand flattens d into a batch rooted at root. A file becomes a single
// item named after it; a directory becomes one item per leaf file at
// <dir>/<sub>/<file>, and every directory on the way is listed in Dirs so
// empty ones are recreated too.
func Expand(d *protocol.Descriptor, root string) (Batch, error) {
	if d == nil {
		return Batch{}, fmt.Errorf("nothing to download")
	}
	p, err := share.ProtocolFromID(d.ProtocolTag)
	if err != nil {
		return Batch{}, fmt.Errorf("item %s: %w", d.Name, err)
	}

	b := Batch{
		ID:       uuid.NewString(),
		Protocol: p,
		Root:     root,
	}
	if err := b.walk(d, d.Name); err != nil {
		return Batch{}, err
	}
	return b, nil
}

func (b *Batch) walk(d *protocol.Descriptor, rel string) error {
	if !filepath.IsLocal(filepath.FromSlash(rel)) {
		return fmt.Errorf("refusing to write outside the download directory: %q", rel)
	}
	if !d.IsDir {
		b.Items = append(b.Items, Item{
			ID:           d.ID,
			BatchID:      b.ID,
			Protocol:     b.Protocol,
			Source:       d.DownloadAddress,
			RelativePath: rel,
			Destination:  filepath.Join(b.Root, filepath.FromSlash(rel)),
			Size:         d.Size,
			Status:       StatusQueued,
		})
		return nil
	}

	b.Dirs = append(b.Dirs, rel)
	for _, name := range d.ChildNames() {
		child, _ := d.Child(name)
		if child == nil {
			continue
		}
		if err := b.walk(child, path.Join(rel, name)); err != nil {
			return err
		}
	}
	return nil
}
