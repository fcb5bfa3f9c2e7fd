package main

// Role identifies what a partition is used for under the hekate layout
// convention.
type Role int

const (
	RoleUnknown Role = iota
	RoleFAT32
	RoleLinux
	RoleAndroid
	RoleEmuMMC
	RoleGPTProtective
)

func (r Role) String() string {
	switch r {
	case RoleFAT32:
		return "FAT32"
	case RoleLinux:
		return "Linux"
	case RoleAndroid:
		return "Android"
	case RoleEmuMMC:
		return "emuMMC"
	case RoleGPTProtective:
		return "GPT Protective"
	default:
		return "Unknown"
	}
}

// RoleSet selects roles for migration or removal.
type RoleSet map[Role]bool

func (s RoleSet) Has(r Role) bool { return s[r] }

// AndroidScheme distinguishes the two Android partition conventions.
// Dynamic (Android 10+) carries a "super" partition; Legacy (7-9) splits
// system/vendor instead.
type AndroidScheme int

const (
	AndroidNone AndroidScheme = iota
	AndroidDynamic
	AndroidLegacy
)

func (s AndroidScheme) String() string {
	switch s {
	case AndroidDynamic:
		return "Dynamic"
	case AndroidLegacy:
		return "Legacy"
	default:
		return "None"
	}
}

// MBR partition type bytes used by hekate.
const (
	mbrTypeEmpty      = 0x00
	mbrTypeFAT32CHS   = 0x0B
	mbrTypeFAT32LBA   = 0x0C
	mbrTypeLinux      = 0x83
	mbrTypeEmuMMC     = 0xE0
	mbrTypeProtective = 0xEE
)

// GPT type GUIDs in on-disk byte order, as hekate writes them.
var (
	guidBasicData = [16]byte{0xA2, 0xA0, 0xD0, 0xEB, 0xE5, 0xB9, 0x33, 0x44,
		0x87, 0xC0, 0x68, 0xB6, 0xB7, 0x26, 0x99, 0xC7}
	guidLinuxFS = [16]byte{0xAF, 0x3D, 0xC6, 0x0F, 0x83, 0x84, 0x72, 0x47,
		0x8E, 0x79, 0x3D, 0x69, 0xD8, 0x47, 0x7D, 0xE4}
	guidEmuMMC = [16]byte{0x00, 0x7E, 0xCA, 0x11, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 'e', 'm', 'u', 'M', 'M', 'C'}
)

// Canonical partition names under the hekate convention.
const (
	nameFAT32 = "hos_data"
	nameLinux = "l4t"
)

// Fixed Android sub-partition name lists. Both schemes end with a
// variable-size userdata entry; everything before it keeps its source
// size during planning.
var (
	androidDynamicNames = []string{"boot", "recovery", "dtb", "misc", "cache", "super", "vendor_boot"}
	androidLegacyNames  = []string{"boot", "recovery", "dtb", "misc", "cache", "system", "vendor", "dtbo", "vbmeta"}
)

// Known raw emuMMC partition sizes in sectors (32 GB and 64 GB eMMC
// images including BOOT0/BOOT1 and the protective gap). Used only as
// secondary evidence when a type byte is ambiguous.
var knownEmuMMCSectors = []uint64{61120512, 122241024}

const emuMMCSizeTolerance = 50 // percent difference x100, i.e. 2%

// matchesKnownEmuMMCSize reports whether sectors is within tolerance of
// one of the known raw emuMMC image sizes.
func matchesKnownEmuMMCSize(sectors uint64) bool {
	for _, known := range knownEmuMMCSectors {
		var diff uint64
		if sectors > known {
			diff = sectors - known
		} else {
			diff = known - sectors
		}
		if diff <= known/emuMMCSizeTolerance {
			return true
		}
	}
	return false
}

// mbrRule maps an MBR type byte to a role. Rules are evaluated in order
// with exhaustive fallthrough to RoleUnknown; ambiguity is an error at
// the scanner level, never a guess.
type mbrRule struct {
	typeID byte
	role   Role
	name   string
}

var mbrRules = []mbrRule{
	{mbrTypeFAT32LBA, RoleFAT32, nameFAT32},
	{mbrTypeFAT32CHS, RoleFAT32, nameFAT32},
	{mbrTypeLinux, RoleLinux, nameLinux},
	{mbrTypeEmuMMC, RoleEmuMMC, ""},
	{mbrTypeProtective, RoleGPTProtective, ""},
}

// classifyMBRType resolves an MBR type byte against the rule table.
func classifyMBRType(typeID byte) (Role, string, bool) {
	for _, rule := range mbrRules {
		if rule.typeID == typeID {
			return rule.role, rule.name, true
		}
	}
	return RoleUnknown, "", false
}

// classifyGPTEntry resolves a GPT entry by type GUID, splitting the
// shared Linux-filesystem GUID into Linux vs Android by name: hekate
// names its Linux partition "l4t", every other Linux-GUID partition
// belongs to the Android block.
func classifyGPTEntry(typeGUID [16]byte, name string) Role {
	switch typeGUID {
	case guidBasicData:
		return RoleFAT32
	case guidLinuxFS:
		if name == nameLinux {
			return RoleLinux
		}
		return RoleAndroid
	case guidEmuMMC:
		return RoleEmuMMC
	default:
		return RoleUnknown
	}
}

// typeGUIDForRole picks the GPT type GUID hekate writes for a role.
func typeGUIDForRole(role Role) [16]byte {
	switch role {
	case RoleFAT32:
		return guidBasicData
	case RoleLinux, RoleAndroid:
		return guidLinuxFS
	case RoleEmuMMC:
		return guidEmuMMC
	default:
		return [16]byte{}
	}
}

// mbrTypeForRole picks the MBR type byte for a role.
func mbrTypeForRole(role Role) byte {
	switch role {
	case RoleFAT32:
		return mbrTypeFAT32LBA
	case RoleLinux:
		return mbrTypeLinux
	case RoleEmuMMC:
		return mbrTypeEmuMMC
	case RoleGPTProtective:
		return mbrTypeProtective
	default:
		return mbrTypeEmpty
	}
}
