package imaging

// Pipeline bundles the whole image-to-descriptor transform behind a single
// stateless value. The configuration is fixed at construction, there is no
// shared mutable detector state between calls.
type Pipeline struct {
	params Params
}

// NewPipeline builds a pipeline with the given fixed parameters.
func NewPipeline(p Params) *Pipeline {
	return &Pipeline{params: p}
}

// Extract decodes raw image bytes, normalizes them and returns the resulting
// descriptor set. Failures are classified as ErrDecode, ErrLowQuality or
// ErrNoFeatures.
func (pl *Pipeline) Extract(data []byte) (DescriptorSet, error) {
	img, err := Decode(data)
	if err != nil {
		return nil, err
	}
	processed, err := Preprocess(img, pl.params)
	if err != nil {
		return nil, err
	}
	return ExtractFeatures(processed, pl.params)
}

// Validate reports whether raw bytes are a usable capture, with the specific
// rejection reason when they are not.
func (pl *Pipeline) Validate(data []byte) (bool, string) {
	img, err := Decode(data)
	if err != nil {
		return false, "image cannot be decoded"
	}
	return ValidateImage(img, pl.params)
}
