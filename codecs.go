package wim

import (
	"github.com/dargueta/wim/compression"
	"github.com/dargueta/wim/compression/lzms"
	"github.com/dargueta/wim/compression/lzx"
	"github.com/dargueta/wim/compression/xpress"
)

// Codec construction. The resource engine calls through the
// compression.Compressor / compression.Decompressor capability
// interfaces; the formats plug in as a closed enum.

func newDecompressor(ctype compression.Type, chunkSize uint32) (compression.Decompressor, error) {
	switch ctype {
	case compression.TypeXPress:
		return xpress.NewDecompressor(), nil
	case compression.TypeLZX:
		d, err := lzx.NewDecompressor(chunkSize)
		if err != nil {
			return nil, ErrInvalidChunkSize.Wrap(err)
		}
		return d, nil
	case compression.TypeLZMS:
		d, err := lzms.NewDecompressor(chunkSize)
		if err != nil {
			return nil, ErrInvalidChunkSize.Wrap(err)
		}
		return d, nil
	}
	return nil, ErrInvalidCompressionType
}

func newCompressor(ctype compression.Type, chunkSize uint32) (compression.Compressor, error) {
	switch ctype {
	case compression.TypeXPress:
		return xpress.NewCompressor(chunkSize), nil
	case compression.TypeLZX:
		c, err := lzx.NewCompressor(chunkSize)
		if err != nil {
			return nil, ErrInvalidChunkSize.Wrap(err)
		}
		return c, nil
	case compression.TypeLZMS:
		// Writing LZMS-compressed chunks is not supported; LZMS blobs
		// can still be raw-copied between containers.
		return nil, ErrUnsupported.WithMessage("LZMS compression")
	}
	return nil, ErrInvalidCompressionType
}

func defaultChunkSizeFor(ctype compression.Type) uint32 {
	switch ctype {
	case compression.TypeLZMS:
		return defaultLZMSChunkSize
	case compression.TypeNone:
		return 0
	}
	return defaultChunkSize
}
