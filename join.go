package wim

import (
	"github.com/hashicorp/go-multierror"
)

// Join reassembles a spanned set into a standalone container at
// outputPath. Every part must carry the same GUID and the part numbers
// must form a permutation of 1..P; validation problems across the set
// are reported together.
func Join(partPaths []string, outputPath string, openFlags OpenFlag, writeFlags WriteFlag) error {
	if len(partPaths) == 0 || outputPath == "" {
		return ErrInvalidParam
	}

	parts := make([]*WIM, 0, len(partPaths))
	defer func() {
		for _, p := range parts {
			p.Close()
		}
	}()

	var verr *multierror.Error
	for _, path := range partPaths {
		p, err := Open(path, openFlags|OpenSplitOK)
		if err != nil {
			verr = multierror.Append(verr, ErrSplitInvalid.WithMessage(path).Wrap(err))
			continue
		}
		parts = append(parts, p)
	}
	if err := verr.ErrorOrNil(); err != nil {
		return err
	}

	var first *WIM
	seen := make(map[int]bool)
	totalParts := 0
	for _, p := range parts {
		num, total := p.PartNumber()
		if totalParts == 0 {
			totalParts = total
		} else if total != totalParts {
			verr = multierror.Append(verr, ErrSplitInvalid.WithMessage(p.path+": total part count differs"))
		}
		if seen[num] {
			verr = multierror.Append(verr, ErrSplitInvalid.WithMessage(p.path+": duplicate part number"))
		}
		seen[num] = true
		if num == 1 {
			first = p
		}
		if p.GUID() != parts[0].GUID() {
			verr = multierror.Append(verr, ErrSplitInvalid.WithMessage(p.path+": GUID mismatch"))
		}
	}
	if len(parts) != totalParts {
		verr = multierror.Append(verr, ErrSplitInvalid.WithMessage("missing parts"))
	}
	for i := 1; i <= totalParts; i++ {
		if !seen[i] {
			verr = multierror.Append(verr, ErrSplitInvalid.WithMessage("part number gap"))
		}
	}
	if first == nil {
		verr = multierror.Append(verr, ErrSplitInvalid.WithMessage("no first part"))
	}
	if err := verr.ErrorOrNil(); err != nil {
		return err
	}

	// Merge the sibling parts' blobs into the first part's table; the
	// resource descriptors keep pointing into their own files, so the
	// writer reads (or raw-copies) across all parts.
	for _, p := range parts {
		if p == first {
			continue
		}
		p.blobTable.forEach(func(b *blobDescriptor) error {
			if first.blobTable.lookup(b.hash) == nil {
				first.blobTable.insert(b)
			}
			return nil
		})
	}

	return first.Write(outputPath, AllImages, writeFlags, 1)
}
