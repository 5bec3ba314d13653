package wim

// OpenFlag modifies the behavior of Open.
type OpenFlag uint32

const (
	// OpenCheckIntegrity verifies the integrity table, if the file has
	// one, before returning a handle.
	OpenCheckIntegrity OpenFlag = 1 << iota
	// OpenSplitOK permits opening one part of a spanned set.
	OpenSplitOK
	// OpenWriteAccess requires that in-place modification of the file
	// be possible, failing up front otherwise.
	OpenWriteAccess
)

// WriteFlag modifies the behavior of Write, WriteToFd, Overwrite, and
// Split.
type WriteFlag uint32

const (
	WriteCheckIntegrity WriteFlag = 1 << iota
	WriteNoCheckIntegrity
	WritePipable
	WriteNotPipable
	WriteRecompress
	WriteFsync
	WriteRebuild
	WriteSoftDelete
	WriteIgnoreReadonly
	WriteStreamsOK
	WriteRetainGUID
	WriteSolid
	WriteSendDoneWithFile
	WriteNoSolidSort
	WriteUnsafeCompact
	WriteSkipExternalWIMs

	// Internal flags; never accepted from callers.
	writeFileDescriptor
	writeAppend
	writeNoNewBlobs
)

const writeMaskPublic = WriteCheckIntegrity |
	WriteNoCheckIntegrity |
	WritePipable |
	WriteNotPipable |
	WriteRecompress |
	WriteFsync |
	WriteRebuild |
	WriteSoftDelete |
	WriteIgnoreReadonly |
	WriteStreamsOK |
	WriteRetainGUID |
	WriteSolid |
	WriteSendDoneWithFile |
	WriteNoSolidSort |
	WriteUnsafeCompact |
	WriteSkipExternalWIMs

// Flags affecting how individual resources are written; derived from
// the public write flags.
type resourceFlag uint32

const (
	resourceRecompress resourceFlag = 1 << iota
	resourcePipable
	resourceSolid
	resourceSendDoneWithFile
	resourceSolidSort
)

func writeFlagsToResourceFlags(flags WriteFlag) resourceFlag {
	var rf resourceFlag
	if flags&WriteRecompress != 0 {
		rf |= resourceRecompress
	}
	if flags&WritePipable != 0 {
		rf |= resourcePipable
	}
	if flags&WriteSolid != 0 {
		rf |= resourceSolid
	}
	if flags&WriteSendDoneWithFile != 0 {
		rf |= resourceSendDoneWithFile
	}
	if flags&(WriteSolid|WriteNoSolidSort) == WriteSolid {
		rf |= resourceSolidSort
	}
	return rf
}
