package types

import "strings"

// SourceFlags describes the state of a peer as a source of one file
type SourceFlags uint32

const (
	SourceNone             SourceFlags = 0
	SourceFileNotAvailable SourceFlags = 1 << (iota - 1)
	SourcePassive
	SourceRemoved
	SourceNoTTHF
	SourceBadTree
	SourceSlowSource
	SourceNoTree
	SourceNoNeedParts
	SourcePartial
	SourceTTHInconsistency
	SourceUntrusted
)

// SourceFlagMask holds the flags recorded as a removal cause
const SourceFlagMask = SourceFileNotAvailable | SourcePassive | SourceRemoved | SourceBadTree |
	SourceSlowSource | SourceNoTree | SourceTTHInconsistency | SourceUntrusted

var sourceFlagNames = []struct {
	flag SourceFlags
	name string
}{
	{SourceFileNotAvailable, "file-not-available"},
	{SourcePassive, "passive"},
	{SourceRemoved, "removed"},
	{SourceNoTTHF, "no-tthf"},
	{SourceBadTree, "bad-tree"},
	{SourceSlowSource, "slow-source"},
	{SourceNoTree, "no-tree"},
	{SourceNoNeedParts, "no-need-parts"},
	{SourcePartial, "partial"},
	{SourceTTHInconsistency, "tth-inconsistency"},
	{SourceUntrusted, "untrusted"},
}

// Has reports whether every bit of f is set
func (s SourceFlags) Has(f SourceFlags) bool { return s&f == f }

// Any reports whether at least one bit of f is set
func (s SourceFlags) Any(f SourceFlags) bool { return s&f != 0 }

func (s SourceFlags) String() string {
	if s == SourceNone {
		return "none"
	}
	var names []string
	for _, n := range sourceFlagNames {
		if s.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// FileFlags describes a queued file
type FileFlags uint32

const (
	FileNormal            FileFlags = 0
	FileUserList          FileFlags = 0x0001
	FileDirectoryDownload FileFlags = 0x0002
	FileClientView        FileFlags = 0x0004
	FileText              FileFlags = 0x0008
	FileMatchQueue        FileFlags = 0x0010
	FileXMLBZList         FileFlags = 0x0020
	FilePartialList       FileFlags = 0x0040
	FileAutoDrop          FileFlags = 0x0100
	FileUserGetIP         FileFlags = 0x0200
	FileDCLSTList         FileFlags = 0x0400
	FileDownloadContents  FileFlags = 0x0800
	FileRecursiveList     FileFlags = 0x1000
	FileWantEnd           FileFlags = 0x2000
	FileCopying           FileFlags = 0x4000
)

func (f FileFlags) Has(x FileFlags) bool { return f&x == x }
func (f FileFlags) Any(x FileFlags) bool { return f&x != 0 }

// IsUserList reports whether the item is some kind of file listing
func (f FileFlags) IsUserList() bool {
	return f.Any(FileUserList | FileDCLSTList | FileUserGetIP)
}

// TransferFlags summarises the running connections of an item
type TransferFlags uint16

const (
	TransferDownload TransferFlags = 1 << iota
	TransferPartial
	TransferOverlapped
	TransferChunked
)
