package perw

import (
	"fmt"

	"gomapimg/common"
)

const (
	loadConfig32Size = 172
	loadConfig64Size = 280
)

type loadConfig32 struct {
	Size                                     uint32 `struc:"uint32,little"`
	TimeDateStamp                            uint32 `struc:"uint32,little"`
	MajorVersion                             uint16 `struc:"uint16,little"`
	MinorVersion                             uint16 `struc:"uint16,little"`
	GlobalFlagsClear                         uint32 `struc:"uint32,little"`
	GlobalFlagsSet                           uint32 `struc:"uint32,little"`
	CriticalSectionDefaultTimeout            uint32 `struc:"uint32,little"`
	DeCommitFreeBlockThreshold               uint32 `struc:"uint32,little"`
	DeCommitTotalFreeThreshold               uint32 `struc:"uint32,little"`
	LockPrefixTable                          uint32 `struc:"uint32,little"`
	MaximumAllocationSize                    uint32 `struc:"uint32,little"`
	VirtualMemoryThreshold                   uint32 `struc:"uint32,little"`
	ProcessHeapFlags                         uint32 `struc:"uint32,little"`
	ProcessAffinityMask                      uint32 `struc:"uint32,little"`
	CSDVersion                               uint16 `struc:"uint16,little"`
	DependentLoadFlags                       uint16 `struc:"uint16,little"`
	EditList                                 uint32 `struc:"uint32,little"`
	SecurityCookie                           uint32 `struc:"uint32,little"`
	SEHandlerTable                           uint32 `struc:"uint32,little"`
	SEHandlerCount                           uint32 `struc:"uint32,little"`
	GuardCFCheckFunctionPointer              uint32 `struc:"uint32,little"`
	GuardCFDispatchFunctionPointer           uint32 `struc:"uint32,little"`
	GuardCFFunctionTable                     uint32 `struc:"uint32,little"`
	GuardCFFunctionCount                     uint32 `struc:"uint32,little"`
	GuardFlags                               uint32 `struc:"uint32,little"`
	CodeIntegrityFlags                       uint16 `struc:"uint16,little"`
	CodeIntegrityCatalog                     uint16 `struc:"uint16,little"`
	CodeIntegrityCatalogOffset               uint32 `struc:"uint32,little"`
	CodeIntegrityReserved                    uint32 `struc:"uint32,little"`
	GuardAddressTakenIatEntryTable           uint32 `struc:"uint32,little"`
	GuardAddressTakenIatEntryCount           uint32 `struc:"uint32,little"`
	GuardLongJumpTargetTable                 uint32 `struc:"uint32,little"`
	GuardLongJumpTargetCount                 uint32 `struc:"uint32,little"`
	DynamicValueRelocTable                   uint32 `struc:"uint32,little"`
	CHPEMetadataPointer                      uint32 `struc:"uint32,little"`
	GuardRFFailureRoutine                    uint32 `struc:"uint32,little"`
	GuardRFFailureRoutineFunctionPointer     uint32 `struc:"uint32,little"`
	DynamicValueRelocTableOffset             uint32 `struc:"uint32,little"`
	DynamicValueRelocTableSection            uint16 `struc:"uint16,little"`
	Reserved2                                uint16 `struc:"uint16,little"`
	GuardRFVerifyStackPointerFunctionPointer uint32 `struc:"uint32,little"`
	HotPatchTableOffset                      uint32 `struc:"uint32,little"`
	Reserved3                                uint32 `struc:"uint32,little"`
	EnclaveConfigurationPointer              uint32 `struc:"uint32,little"`
	VolatileMetadataPointer                  uint32 `struc:"uint32,little"`
	GuardEHContinuationTable                 uint32 `struc:"uint32,little"`
	GuardEHContinuationCount                 uint32 `struc:"uint32,little"`
}

type loadConfig64 struct {
	Size                                     uint32 `struc:"uint32,little"`
	TimeDateStamp                            uint32 `struc:"uint32,little"`
	MajorVersion                             uint16 `struc:"uint16,little"`
	MinorVersion                             uint16 `struc:"uint16,little"`
	GlobalFlagsClear                         uint32 `struc:"uint32,little"`
	GlobalFlagsSet                           uint32 `struc:"uint32,little"`
	CriticalSectionDefaultTimeout            uint32 `struc:"uint32,little"`
	DeCommitFreeBlockThreshold               uint64 `struc:"uint64,little"`
	DeCommitTotalFreeThreshold               uint64 `struc:"uint64,little"`
	LockPrefixTable                          uint64 `struc:"uint64,little"`
	MaximumAllocationSize                    uint64 `struc:"uint64,little"`
	VirtualMemoryThreshold                   uint64 `struc:"uint64,little"`
	ProcessAffinityMask                      uint64 `struc:"uint64,little"`
	ProcessHeapFlags                         uint32 `struc:"uint32,little"`
	CSDVersion                               uint16 `struc:"uint16,little"`
	DependentLoadFlags                       uint16 `struc:"uint16,little"`
	EditList                                 uint64 `struc:"uint64,little"`
	SecurityCookie                           uint64 `struc:"uint64,little"`
	SEHandlerTable                           uint64 `struc:"uint64,little"`
	SEHandlerCount                           uint64 `struc:"uint64,little"`
	GuardCFCheckFunctionPointer              uint64 `struc:"uint64,little"`
	GuardCFDispatchFunctionPointer           uint64 `struc:"uint64,little"`
	GuardCFFunctionTable                     uint64 `struc:"uint64,little"`
	GuardCFFunctionCount                     uint64 `struc:"uint64,little"`
	GuardFlags                               uint32 `struc:"uint32,little"`
	CodeIntegrityFlags                       uint16 `struc:"uint16,little"`
	CodeIntegrityCatalog                     uint16 `struc:"uint16,little"`
	CodeIntegrityCatalogOffset               uint32 `struc:"uint32,little"`
	CodeIntegrityReserved                    uint32 `struc:"uint32,little"`
	GuardAddressTakenIatEntryTable           uint64 `struc:"uint64,little"`
	GuardAddressTakenIatEntryCount           uint64 `struc:"uint64,little"`
	GuardLongJumpTargetTable                 uint64 `struc:"uint64,little"`
	GuardLongJumpTargetCount                 uint64 `struc:"uint64,little"`
	DynamicValueRelocTable                   uint64 `struc:"uint64,little"`
	CHPEMetadataPointer                      uint64 `struc:"uint64,little"`
	GuardRFFailureRoutine                    uint64 `struc:"uint64,little"`
	GuardRFFailureRoutineFunctionPointer     uint64 `struc:"uint64,little"`
	DynamicValueRelocTableOffset             uint32 `struc:"uint32,little"`
	DynamicValueRelocTableSection            uint16 `struc:"uint16,little"`
	Reserved2                                uint16 `struc:"uint16,little"`
	GuardRFVerifyStackPointerFunctionPointer uint64 `struc:"uint64,little"`
	HotPatchTableOffset                      uint32 `struc:"uint32,little"`
	Reserved3                                uint32 `struc:"uint32,little"`
	EnclaveConfigurationPointer              uint64 `struc:"uint64,little"`
	VolatileMetadataPointer                  uint64 `struc:"uint64,little"`
	GuardEHContinuationTable                 uint64 `struc:"uint64,little"`
	GuardEHContinuationCount                 uint64 `struc:"uint64,little"`
}

// LoadConfig is the load configuration directory with pointer-sized fields
// widened to 64 bits. Fields beyond the declared Size are zero.
type LoadConfig struct {
	Size                           uint32
	TimeDateStamp                  uint32
	MajorVersion                   uint16
	MinorVersion                   uint16
	GlobalFlagsClear               uint32
	GlobalFlagsSet                 uint32
	CriticalSectionDefaultTimeout  uint32
	DeCommitFreeBlockThreshold     uint64
	DeCommitTotalFreeThreshold     uint64
	LockPrefixTable                uint64
	MaximumAllocationSize          uint64
	VirtualMemoryThreshold         uint64
	ProcessHeapFlags               uint32
	ProcessAffinityMask            uint64
	CSDVersion                     uint16
	DependentLoadFlags             uint16
	EditList                       uint64
	SecurityCookie                 uint64
	SEHandlerTable                 uint64
	SEHandlerCount                 uint64
	GuardCFCheckFunctionPointer    uint64
	GuardCFDispatchFunctionPointer uint64
	GuardCFFunctionTable           uint64
	GuardCFFunctionCount           uint64
	GuardFlags                     uint32
	CodeIntegrityFlags             uint16
	CodeIntegrityCatalog           uint16
	CodeIntegrityCatalogOffset     uint32
	GuardAddressTakenIatEntryTable uint64
	GuardAddressTakenIatEntryCount uint64
	GuardLongJumpTargetTable       uint64
	GuardLongJumpTargetCount       uint64
	DynamicValueRelocTable         uint64
	CHPEMetadataPointer            uint64
	GuardRFFailureRoutine          uint64
	HotPatchTableOffset            uint32
	EnclaveConfigurationPointer    uint64
	VolatileMetadataPointer        uint64
	GuardEHContinuationTable       uint64
	GuardEHContinuationCount       uint64
}

// LoadConfig decodes the load configuration directory, or returns nil when
// the image has none. Only the bytes covered by the structure's own Size
// field are decoded.
func (img *Image) LoadConfig() (*LoadConfig, error) {
	dir := img.DataDirectory(DirectoryLoadConfig)
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return nil, nil
	}
	size, err := img.Uint32Rva(dir.VirtualAddress)
	if err != nil {
		return nil, fmt.Errorf("LoadConfig directory: %w", err)
	}
	if size < 4 {
		return nil, fmt.Errorf("%w: load config Size %d", common.ErrTruncatedHeader, size)
	}

	full := uint32(loadConfig32Size)
	if img.Is64Bit {
		full = loadConfig64Size
	}
	covered := min(size, full)
	raw, err := img.SliceRva(dir.VirtualAddress, uint64(covered))
	if err != nil {
		return nil, fmt.Errorf("LoadConfig directory: %w", err)
	}
	buf := make([]byte, full)
	copy(buf, raw)

	if img.Is64Bit {
		var c loadConfig64
		if err := unpack(buf, &c); err != nil {
			return nil, fmt.Errorf("%w: load config: %v", common.ErrTruncatedHeader, err)
		}
		return &LoadConfig{
			Size:                           c.Size,
			TimeDateStamp:                  c.TimeDateStamp,
			MajorVersion:                   c.MajorVersion,
			MinorVersion:                   c.MinorVersion,
			GlobalFlagsClear:               c.GlobalFlagsClear,
			GlobalFlagsSet:                 c.GlobalFlagsSet,
			CriticalSectionDefaultTimeout:  c.CriticalSectionDefaultTimeout,
			DeCommitFreeBlockThreshold:     c.DeCommitFreeBlockThreshold,
			DeCommitTotalFreeThreshold:     c.DeCommitTotalFreeThreshold,
			LockPrefixTable:                c.LockPrefixTable,
			MaximumAllocationSize:          c.MaximumAllocationSize,
			VirtualMemoryThreshold:         c.VirtualMemoryThreshold,
			ProcessHeapFlags:               c.ProcessHeapFlags,
			ProcessAffinityMask:            c.ProcessAffinityMask,
			CSDVersion:                     c.CSDVersion,
			DependentLoadFlags:             c.DependentLoadFlags,
			EditList:                       c.EditList,
			SecurityCookie:                 c.SecurityCookie,
			SEHandlerTable:                 c.SEHandlerTable,
			SEHandlerCount:                 c.SEHandlerCount,
			GuardCFCheckFunctionPointer:    c.GuardCFCheckFunctionPointer,
			GuardCFDispatchFunctionPointer: c.GuardCFDispatchFunctionPointer,
			GuardCFFunctionTable:           c.GuardCFFunctionTable,
			GuardCFFunctionCount:           c.GuardCFFunctionCount,
			GuardFlags:                     c.GuardFlags,
			CodeIntegrityFlags:             c.CodeIntegrityFlags,
			CodeIntegrityCatalog:           c.CodeIntegrityCatalog,
			CodeIntegrityCatalogOffset:     c.CodeIntegrityCatalogOffset,
			GuardAddressTakenIatEntryTable: c.GuardAddressTakenIatEntryTable,
			GuardAddressTakenIatEntryCount: c.GuardAddressTakenIatEntryCount,
			GuardLongJumpTargetTable:       c.GuardLongJumpTargetTable,
			GuardLongJumpTargetCount:       c.GuardLongJumpTargetCount,
			DynamicValueRelocTable:         c.DynamicValueRelocTable,
			CHPEMetadataPointer:            c.CHPEMetadataPointer,
			GuardRFFailureRoutine:          c.GuardRFFailureRoutine,
			HotPatchTableOffset:            c.HotPatchTableOffset,
			EnclaveConfigurationPointer:    c.EnclaveConfigurationPointer,
			VolatileMetadataPointer:        c.VolatileMetadataPointer,
			GuardEHContinuationTable:       c.GuardEHContinuationTable,
			GuardEHContinuationCount:       c.GuardEHContinuationCount,
		}, nil
	}

	var c loadConfig32
	if err := unpack(buf, &c); err != nil {
		return nil, fmt.Errorf("%w: load config: %v", common.ErrTruncatedHeader, err)
	}
	return &LoadConfig{
		Size:                           c.Size,
		TimeDateStamp:                  c.TimeDateStamp,
		MajorVersion:                   c.MajorVersion,
		MinorVersion:                   c.MinorVersion,
		GlobalFlagsClear:               c.GlobalFlagsClear,
		GlobalFlagsSet:                 c.GlobalFlagsSet,
		CriticalSectionDefaultTimeout:  c.CriticalSectionDefaultTimeout,
		DeCommitFreeBlockThreshold:     uint64(c.DeCommitFreeBlockThreshold),
		DeCommitTotalFreeThreshold:     uint64(c.DeCommitTotalFreeThreshold),
		LockPrefixTable:                uint64(c.LockPrefixTable),
		MaximumAllocationSize:          uint64(c.MaximumAllocationSize),
		VirtualMemoryThreshold:         uint64(c.VirtualMemoryThreshold),
		ProcessHeapFlags:               c.ProcessHeapFlags,
		ProcessAffinityMask:            uint64(c.ProcessAffinityMask),
		CSDVersion:                     c.CSDVersion,
		DependentLoadFlags:             c.DependentLoadFlags,
		EditList:                       uint64(c.EditList),
		SecurityCookie:                 uint64(c.SecurityCookie),
		SEHandlerTable:                 uint64(c.SEHandlerTable),
		SEHandlerCount:                 uint64(c.SEHandlerCount),
		GuardCFCheckFunctionPointer:    uint64(c.GuardCFCheckFunctionPointer),
		GuardCFDispatchFunctionPointer: uint64(c.GuardCFDispatchFunctionPointer),
		GuardCFFunctionTable:           uint64(c.GuardCFFunctionTable),
		GuardCFFunctionCount:           uint64(c.GuardCFFunctionCount),
		GuardFlags:                     c.GuardFlags,
		CodeIntegrityFlags:             c.CodeIntegrityFlags,
		CodeIntegrityCatalog:           c.CodeIntegrityCatalog,
		CodeIntegrityCatalogOffset:     c.CodeIntegrityCatalogOffset,
		GuardAddressTakenIatEntryTable: uint64(c.GuardAddressTakenIatEntryTable),
		GuardAddressTakenIatEntryCount: uint64(c.GuardAddressTakenIatEntryCount),
		GuardLongJumpTargetTable:       uint64(c.GuardLongJumpTargetTable),
		GuardLongJumpTargetCount:       uint64(c.GuardLongJumpTargetCount),
		DynamicValueRelocTable:         uint64(c.DynamicValueRelocTable),
		CHPEMetadataPointer:            uint64(c.CHPEMetadataPointer),
		GuardRFFailureRoutine:          uint64(c.GuardRFFailureRoutine),
		HotPatchTableOffset:            c.HotPatchTableOffset,
		EnclaveConfigurationPointer:    uint64(c.EnclaveConfigurationPointer),
		VolatileMetadataPointer:        uint64(c.VolatileMetadataPointer),
		GuardEHContinuationTable:       uint64(c.GuardEHContinuationTable),
		GuardEHContinuationCount:       uint64(c.GuardEHContinuationCount),
	}, nil
}
