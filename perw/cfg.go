package perw

import (
	"fmt"

	"gomapimg/common"
)

const (
	IMAGE_GUARD_CF_INSTRUMENTED                    = 0x00000100
	IMAGE_GUARD_CFW_INSTRUMENTED                   = 0x00000200
	IMAGE_GUARD_CF_FUNCTION_TABLE_PRESENT          = 0x00000400
	IMAGE_GUARD_SECURITY_COOKIE_UNUSED             = 0x00000800
	IMAGE_GUARD_PROTECT_DELAYLOAD_IAT              = 0x00001000
	IMAGE_GUARD_DELAYLOAD_IAT_IN_ITS_OWN_SECTION   = 0x00002000
	IMAGE_GUARD_CF_EXPORT_SUPPRESSION_INFO_PRESENT = 0x00004000
	IMAGE_GUARD_CF_ENABLE_EXPORT_SUPPRESSION       = 0x00008000
	IMAGE_GUARD_CF_LONGJUMP_TABLE_PRESENT          = 0x00010000
	IMAGE_GUARD_EH_CONTINUATION_TABLE_PRESENT      = 0x00400000

	IMAGE_GUARD_CF_FUNCTION_TABLE_SIZE_MASK  = 0xF0000000
	IMAGE_GUARD_CF_FUNCTION_TABLE_SIZE_SHIFT = 28

	IMAGE_GUARD_FLAG_FID_SUPPRESSED    = 0x01
	IMAGE_GUARD_FLAG_EXPORT_SUPPRESSED = 0x02
)

// CfgEntry is one guard table record: an RVA followed by optional metadata
// bytes whose first byte carries the suppression flags.
type CfgEntry struct {
	RVA              uint32
	Flags            uint8
	SuppressedCall   bool
	ExportSuppressed bool
}

type CfgTable struct {
	GuardFlags      uint32
	EntrySize       uint32
	Functions       []CfgEntry
	AddressTakenIat []CfgEntry
	LongJumps       []CfgEntry
	EHContinuations []CfgEntry
}

// CfgFunctions decodes the Control Flow Guard tables referenced by the load
// configuration. Each record is 4 bytes plus the extra byte count encoded in
// the top nibble of GuardFlags.
func (img *Image) CfgFunctions() (*CfgTable, error) {
	lc, err := img.LoadConfig()
	if err != nil {
		return nil, err
	}
	table := &CfgTable{}
	if lc == nil {
		return table, nil
	}
	table.GuardFlags = lc.GuardFlags
	table.EntrySize = 4 + (lc.GuardFlags&IMAGE_GUARD_CF_FUNCTION_TABLE_SIZE_MASK)>>IMAGE_GUARD_CF_FUNCTION_TABLE_SIZE_SHIFT

	if table.Functions, err = img.cfgTable("guard function", lc.GuardCFFunctionTable, lc.GuardCFFunctionCount, table.EntrySize); err != nil {
		return nil, err
	}
	if table.AddressTakenIat, err = img.cfgTable("address-taken IAT", lc.GuardAddressTakenIatEntryTable, lc.GuardAddressTakenIatEntryCount, table.EntrySize); err != nil {
		return nil, err
	}
	if table.LongJumps, err = img.cfgTable("long jump", lc.GuardLongJumpTargetTable, lc.GuardLongJumpTargetCount, table.EntrySize); err != nil {
		return nil, err
	}
	if table.EHContinuations, err = img.cfgTable("EH continuation", lc.GuardEHContinuationTable, lc.GuardEHContinuationCount, table.EntrySize); err != nil {
		return nil, err
	}
	return table, nil
}

func (img *Image) cfgTable(name string, va, count uint64, stride uint32) ([]CfgEntry, error) {
	if va == 0 || count == 0 {
		return nil, nil
	}
	if count > uint64(img.Limits.MaxCfgEntries) {
		return nil, fmt.Errorf("%w: %s table claims %d entries", common.ErrOutOfBounds, name, count)
	}
	rva, err := img.VaToRva(va)
	if err != nil {
		return nil, fmt.Errorf("%s table: %w", name, err)
	}
	data, err := img.SliceRva(rva, count*uint64(stride))
	if err != nil {
		return nil, fmt.Errorf("%s table: %w", name, err)
	}

	entries := make([]CfgEntry, count)
	for i := range entries {
		rec := data[uint64(i)*uint64(stride):]
		entries[i].RVA = le32(rec)
		if stride > 4 {
			flags := rec[4]
			entries[i].Flags = flags
			entries[i].SuppressedCall = flags&IMAGE_GUARD_FLAG_FID_SUPPRESSED != 0
			entries[i].ExportSuppressed = flags&IMAGE_GUARD_FLAG_EXPORT_SUPPRESSED != 0
		}
	}
	return entries, nil
}
