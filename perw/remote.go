package perw

import (
	"fmt"

	"gomapimg/region"
)

// LoadRemoteHeaders snapshots only the header page of a module loaded at base
// in another address space and validates it.
func LoadRemoteHeaders(name string, base uint64, read region.ReadMemoryFunc) (*Image, error) {
	r, err := region.OpenRemote(name, base, 0x1000, read)
	if err != nil {
		return nil, err
	}
	img, err := Load(r)
	if err != nil {
		return nil, err
	}

	if size := img.Optional.SizeOfHeaders; size > 0x1000 {
		r, err = region.OpenRemote(name, base, int(size), read)
		if err != nil {
			return nil, fmt.Errorf("headers of %s: %w", name, err)
		}
		return Load(r)
	}
	return img, nil
}

// LoadRemote snapshots the full SizeOfImage range of a loaded module so the
// directory walkers can run against it.
func LoadRemote(name string, base uint64, read region.ReadMemoryFunc, limits Limits) (*Image, error) {
	hdr, err := LoadRemoteHeaders(name, base, read)
	if err != nil {
		return nil, err
	}
	r, err := region.OpenRemote(name, base, int(hdr.Optional.SizeOfImage), read)
	if err != nil {
		return nil, fmt.Errorf("image of %s: %w", name, err)
	}
	return LoadWithLimits(r, limits)
}
