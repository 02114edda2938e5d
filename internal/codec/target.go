package codec

const (
	// QualityStep is how much each retry lowers the quality.
	QualityStep = 5
	// QualityFloor stops the search: no retry starts at or below it.
	QualityFloor = 30
)

// EncodeFunc encodes at the given quality.
type EncodeFunc func(quality int) ([]byte, error)

// ReduceToTarget encodes at quality and, while the result is larger than
// targetBytes and the quality is above QualityFloor, retries QualityStep
// lower. It returns the last encoding and its quality; hitting the target is
// not guaranteed. A targetBytes of zero or less encodes once.
func ReduceToTarget(encode EncodeFunc, quality, targetBytes int) ([]byte, int, error) {
	out, err := encode(quality)
	if err != nil {
		return nil, quality, err
	}

	if targetBytes <= 0 {
		return out, quality, nil
	}

	for len(out) > targetBytes && quality > QualityFloor {
		quality -= QualityStep

		if out, err = encode(quality); err != nil {
			return nil, quality, err
		}
	}

	return out, quality, nil
}
