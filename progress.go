package wim

// ProgressMsgKind tags the progress union.
type ProgressMsgKind int

const (
	ProgressScanBegin ProgressMsgKind = iota
	ProgressScanDentry
	ProgressScanEnd
	ProgressWriteStreams
	ProgressVerifyIntegrity
	ProgressCalcIntegrity
	ProgressExtractBegin
	ProgressExtractStreams
	ProgressExtractDentry
	ProgressExtractTimestamps
	ProgressExtractEnd
	ProgressRename
	ProgressSplitBeginPart
	ProgressSplitEndPart
	ProgressUpdateBeginCommand
	ProgressUpdateEndCommand
	ProgressDoneWithFile
)

// ProgressInfo is the payload delivered to the progress callback. Only
// the fields relevant to the Kind are populated. Byte counts for a
// given resource are monotonically non-decreasing.
type ProgressInfo struct {
	Kind ProgressMsgKind

	// Scan / extract.
	Path  string
	Image int

	// Write-streams / integrity.
	TotalBytes       uint64
	CompletedBytes   uint64
	TotalStreams     uint64
	CompletedStreams uint64
	NumThreads       int

	// Rename.
	From, To string

	// Split.
	PartName       string
	CurPartNumber  int
	TotalParts     int
	PartTotalBytes uint64
}

// ProgressFunc receives progress messages during long operations. It is
// invoked synchronously; a slow callback slows the operation. Returning
// a non-nil error requests cancellation: the current operation aborts
// at the next safe point and returns the error.
type ProgressFunc func(info *ProgressInfo) error

// callProgress dispatches to the handle's callback, if any.
func (w *WIM) callProgress(info *ProgressInfo) error {
	if w.progress == nil {
		return nil
	}
	return w.progress(info)
}

// writeStreamsProgress throttles WRITE_STREAMS messages the way the
// progress contract requires: monotone byte counts and a bounded
// message rate.
type writeStreamsProgress struct {
	wim          *WIM
	info         ProgressInfo
	nextProgress uint64
}

func newWriteStreamsProgress(w *WIM) *writeStreamsProgress {
	return &writeStreamsProgress{
		wim:  w,
		info: ProgressInfo{Kind: ProgressWriteStreams, NumThreads: 1},
	}
}

// add reports completion of size bytes and count blobs; discarded
// blobs (duplicates detected mid-write) shrink the totals instead.
func (p *writeStreamsProgress) add(size uint64, count uint64, discarded bool) error {
	if discarded {
		p.info.TotalBytes -= size
		p.info.TotalStreams -= count
		if p.nextProgress > p.info.TotalBytes {
			p.nextProgress = p.info.TotalBytes
		}
	} else {
		p.info.CompletedBytes += size
		p.info.CompletedStreams += count
	}
	if p.info.CompletedBytes < p.nextProgress {
		return nil
	}
	if err := p.wim.callProgress(&p.info); err != nil {
		return err
	}
	// Report roughly every 1/128th of the total.
	step := p.info.TotalBytes / 128
	if step == 0 {
		step = 1
	}
	p.nextProgress = p.info.CompletedBytes + step
	return nil
}
