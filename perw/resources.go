package perw

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"

	"gomapimg/common"
	"gomapimg/region"
)

const (
	resourceDirectorySize = 16
	resourceEntrySize     = 8
	resourceDataEntrySize = 16

	resourceNameIsString    = 0x80000000
	resourceDataIsDirectory = 0x80000000
)

// Well-known resource types.
var resourceTypeNames = map[uint32]string{
	1: "CURSOR", 2: "BITMAP", 3: "ICON", 4: "MENU", 5: "DIALOG", 6: "STRING",
	7: "FONTDIR", 8: "FONT", 9: "ACCELERATOR", 10: "RCDATA", 11: "MESSAGETABLE",
	12: "GROUP_CURSOR", 14: "GROUP_ICON", 16: "VERSION", 17: "DLGINCLUDE",
	19: "PLUGPLAY", 20: "VXD", 21: "ANICURSOR", 22: "ANIICON", 23: "HTML", 24: "MANIFEST",
}

// ResourceID is a numeric or named resource directory key.
type ResourceID struct {
	ID   uint32
	Name string
}

func (id ResourceID) IsNamed() bool {
	return id.Name != ""
}

func (id ResourceID) String() string {
	if id.IsNamed() {
		return id.Name
	}
	return fmt.Sprintf("#%d", id.ID)
}

// TypeName renders a type ID using the well-known names when possible.
func (id ResourceID) TypeName() string {
	if !id.IsNamed() {
		if n, ok := resourceTypeNames[id.ID]; ok {
			return n
		}
	}
	return id.String()
}

// ResourceEntry is one leaf of the type/name/language tree.
type ResourceEntry struct {
	Type     ResourceID
	Name     ResourceID
	Language ResourceID
	DataRVA  uint32
	Size     uint32
	CodePage uint32
	Offset   uint64 // region offset of the data, 0 if it has no raw data
}

type ResourceTree struct {
	Entries []ResourceEntry
	Errors  []error
}

type resourceWalker struct {
	img     *Image
	data    []byte
	tree    *ResourceTree
	visited map[uint32]bool
}

// Resources flattens the three-level resource directory. Entries that point
// outside the directory, revisit a directory or nest too deep are skipped and
// recorded in Errors.
func (img *Image) Resources() (*ResourceTree, error) {
	_, data, err := img.directory(DirectoryResource)
	if err != nil {
		return nil, err
	}
	tree := &ResourceTree{}
	if data == nil {
		return tree, nil
	}
	if len(data) < resourceDirectorySize {
		return nil, fmt.Errorf("%w: resource directory is %d bytes", common.ErrTruncatedHeader, len(data))
	}

	w := &resourceWalker{img: img, data: data, tree: tree, visited: make(map[uint32]bool)}
	w.walk(0, 0, [3]ResourceID{})
	return tree, nil
}

func (w *resourceWalker) fail(index int, err error) {
	w.tree.Errors = append(w.tree.Errors, &common.WalkError{Directory: "resource", Index: index, Err: err})
}

func (w *resourceWalker) walk(offset uint32, level int, path [3]ResourceID) {
	if w.visited[offset] {
		w.fail(int(offset), fmt.Errorf("directory at 0x%x visited twice", offset))
		return
	}
	w.visited[offset] = true

	if _, ok := region.RangeEnd(uint64(offset), resourceDirectorySize, uint64(len(w.data))); !ok {
		w.fail(int(offset), common.OutOfBounds(uint64(offset), resourceDirectorySize, uint64(len(w.data))))
		return
	}
	named := binary.LittleEndian.Uint16(w.data[offset+12:])
	ids := binary.LittleEndian.Uint16(w.data[offset+14:])
	count := uint64(named) + uint64(ids)
	first := uint64(offset) + resourceDirectorySize
	if _, ok := region.RangeEnd(first, count*resourceEntrySize, uint64(len(w.data))); !ok {
		w.fail(int(offset), common.OutOfBounds(first, count*resourceEntrySize, uint64(len(w.data))))
		return
	}

	for i := range count {
		if len(w.tree.Entries) >= w.img.Limits.MaxResources {
			w.fail(int(offset), fmt.Errorf("%w: more than %d resources", common.ErrOutOfBounds, w.img.Limits.MaxResources))
			return
		}
		e := w.data[first+i*resourceEntrySize:]
		nameField := binary.LittleEndian.Uint32(e)
		dataField := binary.LittleEndian.Uint32(e[4:])

		id, err := w.resourceID(nameField)
		if err != nil {
			w.fail(int(i), err)
			continue
		}
		path[level] = id

		isDir := dataField&resourceDataIsDirectory != 0
		target := dataField &^ resourceDataIsDirectory
		switch {
		case level < 2 && isDir:
			w.walk(target, level+1, path)
		case level == 2 && !isDir:
			w.leaf(int(i), target, path)
		case isDir:
			w.fail(int(i), fmt.Errorf("unexpected directory at level %d", level))
		default:
			w.fail(int(i), fmt.Errorf("unexpected data entry at level %d", level))
		}
	}
}

func (w *resourceWalker) resourceID(field uint32) (ResourceID, error) {
	if field&resourceNameIsString == 0 {
		return ResourceID{ID: field}, nil
	}
	off := uint64(field &^ resourceNameIsString)
	if _, ok := region.RangeEnd(off, 2, uint64(len(w.data))); !ok {
		return ResourceID{}, common.OutOfBounds(off, 2, uint64(len(w.data)))
	}
	n := uint64(binary.LittleEndian.Uint16(w.data[off:]))
	if _, ok := region.RangeEnd(off+2, n*2, uint64(len(w.data))); !ok {
		return ResourceID{}, common.OutOfBounds(off+2, n*2, uint64(len(w.data)))
	}
	units := make([]uint16, n)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(w.data[off+2+uint64(i)*2:])
	}
	return ResourceID{Name: string(utf16.Decode(units))}, nil
}

func (w *resourceWalker) leaf(index int, offset uint32, path [3]ResourceID) {
	if _, ok := region.RangeEnd(uint64(offset), resourceDataEntrySize, uint64(len(w.data))); !ok {
		w.fail(index, common.OutOfBounds(uint64(offset), resourceDataEntrySize, uint64(len(w.data))))
		return
	}
	d := w.data[offset:]
	entry := ResourceEntry{
		Type:     path[0],
		Name:     path[1],
		Language: path[2],
		DataRVA:  binary.LittleEndian.Uint32(d),
		Size:     binary.LittleEndian.Uint32(d[4:]),
		CodePage: binary.LittleEndian.Uint32(d[8:]),
	}
	if entry.Size != 0 {
		off, err := w.img.RvaToOffset(entry.DataRVA)
		if err != nil {
			w.fail(index, err)
			return
		}
		if _, err := w.img.region.Slice(off, uint64(entry.Size)); err != nil {
			w.fail(index, err)
			return
		}
		entry.Offset = off
	}
	w.tree.Entries = append(w.tree.Entries, entry)
}

// ResourceData returns the bytes of a resource entry.
func (img *Image) ResourceData(e *ResourceEntry) ([]byte, error) {
	return img.SliceRva(e.DataRVA, uint64(e.Size))
}
