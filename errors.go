package wim

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// WIMError is the error type returned by every fallible operation in
// this library. Errors are a closed set of sentinels; wrap chains built
// with WithMessage and Wrap keep errors.Is working against the
// sentinels.
type WIMError interface {
	error
	WithMessage(message string) WIMError
	Wrap(err error) WIMError
}

type baseWIMError string

// I/O errors.
var ErrOpen = baseWIMError("Failed to open file")
var ErrRead = baseWIMError("Failed to read data")
var ErrWrite = baseWIMError("Failed to write data")
var ErrStat = baseWIMError("Failed to stat file")
var ErrLink = baseWIMError("Failed to create link")
var ErrMkdir = baseWIMError("Failed to create directory")
var ErrRename = baseWIMError("Failed to rename file")
var ErrReadlink = baseWIMError("Failed to read symlink")
var ErrTruncate = baseWIMError("Failed to truncate file")

// Format errors.
var ErrNotAWIM = baseWIMError("File is not a WIM archive")
var ErrUnknownVersion = baseWIMError("WIM version is not recognized")
var ErrInvalidHeader = baseWIMError("WIM header is invalid")
var ErrInvalidChunkSize = baseWIMError("Chunk size is invalid for the compression format")
var ErrInvalidCompressionType = baseWIMError("Compression type is invalid")
var ErrInvalidIntegrityTable = baseWIMError("Integrity table is invalid")
var ErrInvalidLookupTableEntry = baseWIMError("Blob table entry is invalid")
var ErrInvalidMetadataResource = baseWIMError("Image metadata resource is invalid")
var ErrInvalidResourceHash = baseWIMError("Resource data does not match its SHA-1 digest")
var ErrInvalidSecurityData = baseWIMError("Security descriptor data is invalid")
var ErrInvalidReparseData = baseWIMError("Reparse point data is invalid")
var ErrInvalidOverlay = baseWIMError("Overlay of directory trees is invalid")
var ErrUnexpectedEOF = baseWIMError("Unexpected end of file")
var ErrIntegrity = baseWIMError("Integrity check failed")

// Codec errors.
var ErrDecompression = baseWIMError("Failed to decompress resource data")

// Usage errors.
var ErrInvalidParam = baseWIMError("Invalid parameter")
var ErrInvalidImage = baseWIMError("Image does not exist")
var ErrImageNameCollision = baseWIMError("Image name already in use")
var ErrImageCount = baseWIMError("Image count mismatch between XML data and blob table")
var ErrNoFilename = baseWIMError("Handle is not backed by a named file")
var ErrResourceOrder = baseWIMError("Resources are in an unsupported order")
var ErrSplitInvalid = baseWIMError("Split WIM set is invalid")
var ErrSplitUnsupported = baseWIMError("Operation is unsupported on split WIMs")
var ErrNotPipable = baseWIMError("WIM is not pipable")
var ErrInvalidPipableWIM = baseWIMError("Pipable WIM is invalid")
var ErrWIMIsReadonly = baseWIMError("WIM is read-only")

// Concurrency errors.
var ErrAlreadyLocked = baseWIMError("WIM file is locked by another process")
var ErrFilesystemDaemonCrashed = baseWIMError("Filesystem daemon crashed")

// Resource errors.
var ErrResourceNotFound = baseWIMError("Resource not found")

// Environment errors.
var ErrNoMem = baseWIMError("Out of memory")
var ErrUnsupported = baseWIMError("Operation is unsupported")
var ErrEncoding = baseWIMError("String could not be converted between encodings")

func (e baseWIMError) Error() string {
	return string(e)
}

func (e baseWIMError) WithMessage(message string) WIMError {
	return customWIMError{
		message:       fmt.Sprintf("%s: %s", string(e), message),
		originalError: e,
	}
}

func (e baseWIMError) Wrap(err error) WIMError {
	return customWIMError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

// -----------------------------------------------------------------------------

type customWIMError struct {
	message       string
	originalError error
}

func (e customWIMError) Error() string {
	return e.message
}

func (e customWIMError) WithMessage(message string) WIMError {
	return customWIMError{
		message:       fmt.Sprintf("%s: %s", e.message, message),
		originalError: e,
	}
}

func (e customWIMError) Wrap(err error) WIMError {
	return customWIMError{
		message:       fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		originalError: multierror.Append(e, err),
	}
}

func (e customWIMError) Unwrap() error {
	return e.originalError
}
