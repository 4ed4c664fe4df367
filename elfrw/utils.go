package elfrw

import (
	"fmt"

	"github.com/yalue/elf_reader"

	"gomapimg/common"
	"gomapimg/region"
)

func (img *Image) FileType() elf_reader.ELFFileType {
	return img.elf.GetFileType()
}

func (img *Image) IsExecutableOrShared() bool {
	fileType := img.FileType()
	return fileType == elf_reader.ELFFileType(2) || fileType == elf_reader.ELFFileType(3)
}

func (img *Image) SectionByName(name string) (*Section, error) {
	for i := range img.Sections {
		if img.Sections[i].Name == name {
			return &img.Sections[i], nil
		}
	}
	return nil, fmt.Errorf("section %s not found", name)
}

// LoadedFileSize is the end of the furthest segment or the header, whichever
// is larger. Bytes past it are not mapped by the loader.
func (img *Image) LoadedFileSize() (uint64, error) {
	size := uint64(ehdr32Size)
	if img.Is64Bit {
		size = ehdr64Size
	}
	for i := uint16(0); i < img.elf.GetSegmentCount(); i++ {
		phdr, err := img.elf.GetProgramHeader(i)
		if err != nil {
			return 0, fmt.Errorf("failed to read program header %d: %w", i, err)
		}
		if phdr.GetType() == elf_reader.ProgramHeaderType(0) {
			continue
		}
		end, ok := region.RangeEnd(phdr.GetFileOffset(), phdr.GetFileSize(), img.region.Len())
		if !ok {
			return 0, common.OutOfBounds(phdr.GetFileOffset(), phdr.GetFileSize(), img.region.Len())
		}
		size = max(size, end)
	}
	return size, nil
}
