// Package libav implements the avio collaborator interfaces on top of
// go-astiav: container readers and writers opened by URL, decoders and
// encoders backed by real codec contexts, bitstream filters and frame
// filter graphs. Everything allocated here is registered on an
// astikit.Closer so teardown happens in one place.
package libav

import (
	"errors"
	"io"

	"github.com/asticode/go-astiav"

	"github.com/xaionaro-go/avdriver/avio"
	"github.com/xaionaro-go/avdriver/timebase"
	"github.com/xaionaro-go/avdriver/types"
)

// wrapError maps libav error codes onto the pipeline's error
// vocabulary.
func wrapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, astiav.ErrEof):
		return io.EOF
	case errors.Is(err, astiav.ErrEio):
		return io.EOF
	case errors.Is(err, astiav.ErrEagain):
		return avio.ErrAgain
	case errors.Is(err, astiav.ErrEinval):
		return avio.ErrInvalidData
	default:
		return err
	}
}

func fromRational(r astiav.Rational) timebase.Rational {
	return timebase.New(r.Num(), r.Den())
}

func toRational(r timebase.Rational) astiav.Rational {
	return astiav.NewRational(r.Num, r.Den)
}

func fromMediaType(mt astiav.MediaType) types.MediaType {
	switch mt {
	case astiav.MediaTypeVideo:
		return types.MediaTypeVideo
	case astiav.MediaTypeAudio:
		return types.MediaTypeAudio
	case astiav.MediaTypeSubtitle:
		return types.MediaTypeSubtitle
	case astiav.MediaTypeData:
		return types.MediaTypeData
	case astiav.MediaTypeAttachment:
		return types.MediaTypeAttachment
	default:
		return types.MediaTypeUnknown
	}
}

func toMediaType(mt types.MediaType) astiav.MediaType {
	switch mt {
	case types.MediaTypeVideo:
		return astiav.MediaTypeVideo
	case types.MediaTypeAudio:
		return astiav.MediaTypeAudio
	case types.MediaTypeSubtitle:
		return astiav.MediaTypeSubtitle
	case types.MediaTypeData:
		return astiav.MediaTypeData
	case types.MediaTypeAttachment:
		return astiav.MediaTypeAttachment
	default:
		return astiav.MediaTypeUnknown
	}
}

// newDictionary builds an astiav dictionary out of generic options,
// stripping the "f" pseudo-option (the container format override).
func newDictionary(opts types.DictionaryItems) (*astiav.Dictionary, string) {
	var formatName string
	var dict *astiav.Dictionary
	for _, opt := range opts {
		if opt.Key == "f" {
			formatName = opt.Value
			continue
		}
		if dict == nil {
			dict = astiav.NewDictionary()
		}
		dict.Set(opt.Key, opt.Value, 0)
	}
	return dict, formatName
}
