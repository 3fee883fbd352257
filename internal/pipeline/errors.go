package pipeline

import (
	"errors"
	"fmt"
)

// Error kinds. A run fails with exactly one of these, wrapped in *Error.
var (
	ErrSourceUnavailable    = errors.New("source unavailable")
	ErrNoTrackFound         = errors.New("no video track found")
	ErrDecoderConfigMissing = errors.New("decoder configuration missing")
	ErrDecodeFailure        = errors.New("decode failed")
	ErrTransformFailure     = errors.New("transform failed")
	ErrEncodeFailure        = errors.New("encode failed")
	ErrMuxFailure           = errors.New("mux failed")
)

var kindLabels = map[error]string{
	ErrSourceUnavailable:    "source_unavailable",
	ErrNoTrackFound:         "no_track_found",
	ErrDecoderConfigMissing: "decoder_config_missing",
	ErrDecodeFailure:        "decode_failure",
	ErrTransformFailure:     "transform_failure",
	ErrEncodeFailure:        "encode_failure",
	ErrMuxFailure:           "mux_failure",
}

// Error is a classified pipeline failure. errors.Is matches both the Kind
// and the underlying cause.
type Error struct {
	Kind  error
	Stage string
	Err   error
}

// NewError classifies err under kind. Stage names where it happened.
func NewError(kind error, stage string, err error) *Error {
	return &Error{Kind: kind, Stage: stage, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindLabel returns a stable label for an error's kind, suitable for
// metrics and API responses. Unclassified errors map to "unknown" and
// cancellations to "cancelled".
func KindLabel(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		if label, ok := kindLabels[pe.Kind]; ok {
			return label
		}
	}
	if isCancellation(err) {
		return "cancelled"
	}
	return "unknown"
}
