package retrieval

// SourceType identifies the kind of institution a retrieval task pulls from.
type SourceType string

const (
	SourceTypeHospital       SourceType = "HOSPITAL"
	SourceTypeLaboratory     SourceType = "LABORATORY"
	SourceTypeClinic         SourceType = "CLINIC"
	SourceTypeResearchCenter SourceType = "RESEARCH_CENTER"
)

// String returns the string representation of the SourceType.
func (t SourceType) String() string { return string(t) }

// IsValid reports whether the source type is one of the known values.
func (t SourceType) IsValid() bool {
	switch t {
	case SourceTypeHospital, SourceTypeLaboratory, SourceTypeClinic, SourceTypeResearchCenter:
		return true
	}
	return false
}

// RetrievalMethod identifies how images are acquired from the source.
type RetrievalMethod string

const (
	RetrievalMethodSFTP         RetrievalMethod = "SFTP"
	RetrievalMethodAPI          RetrievalMethod = "API"
	RetrievalMethodDirectUpload RetrievalMethod = "DIRECT_UPLOAD"
	RetrievalMethodCloudStorage RetrievalMethod = "CLOUD_STORAGE"
)

// String returns the string representation of the RetrievalMethod.
func (m RetrievalMethod) String() string { return string(m) }

// IsValid reports whether the retrieval method is one of the known values.
func (m RetrievalMethod) IsValid() bool {
	switch m {
	case RetrievalMethodSFTP, RetrievalMethodAPI, RetrievalMethodDirectUpload, RetrievalMethodCloudStorage:
		return true
	}
	return false
}

// ImageFormat identifies the file format of a medical image.
type ImageFormat string

const (
	ImageFormatDICOM ImageFormat = "DICOM"
	ImageFormatJPEG  ImageFormat = "JPEG"
	ImageFormatPNG   ImageFormat = "PNG"
	ImageFormatTIFF  ImageFormat = "TIFF"
	ImageFormatRAW   ImageFormat = "RAW"
)

// String returns the string representation of the ImageFormat.
func (f ImageFormat) String() string { return string(f) }

// IsValid reports whether the image format is one of the known values.
func (f ImageFormat) IsValid() bool {
	switch f {
	case ImageFormatDICOM, ImageFormatJPEG, ImageFormatPNG, ImageFormatTIFF, ImageFormatRAW:
		return true
	}
	return false
}

// SourceMetadata describes the institution a task retrieves images from.
// It is immutable for the lifetime of the task.
type SourceMetadata struct {
	sourceType      SourceType
	sourceName      string
	sourceID        string
	location        string
	retrievalMethod RetrievalMethod
}

// NewSourceMetadata creates source metadata, validating the required fields.
func NewSourceMetadata(
	sourceType SourceType,
	sourceName string,
	sourceID string,
	location string,
	retrievalMethod RetrievalMethod,
) (SourceMetadata, error) {
	if !sourceType.IsValid() {
		return SourceMetadata{}, NewValidationError("source_type", "unknown source type")
	}
	if sourceName == "" {
		return SourceMetadata{}, NewValidationError("source_name", "must not be empty")
	}
	if !retrievalMethod.IsValid() {
		return SourceMetadata{}, NewValidationError("retrieval_method", "unknown retrieval method")
	}
	return SourceMetadata{
		sourceType:      sourceType,
		sourceName:      sourceName,
		sourceID:        sourceID,
		location:        location,
		retrievalMethod: retrievalMethod,
	}, nil
}

// ReconstructSourceMetadata creates source metadata from persisted data.
// This should only be used by repositories when reconstructing from storage.
func ReconstructSourceMetadata(
	sourceType SourceType,
	sourceName string,
	sourceID string,
	location string,
	retrievalMethod RetrievalMethod,
) SourceMetadata {
	return SourceMetadata{
		sourceType:      sourceType,
		sourceName:      sourceName,
		sourceID:        sourceID,
		location:        location,
		retrievalMethod: retrievalMethod,
	}
}

// SourceType returns the institution kind.
func (m SourceMetadata) SourceType() SourceType { return m.sourceType }

// SourceName returns the institution's display name.
func (m SourceMetadata) SourceName() string { return m.sourceName }

// SourceID returns the institution's external identifier.
func (m SourceMetadata) SourceID() string { return m.sourceID }

// Location returns the country or region of the source.
func (m SourceMetadata) Location() string { return m.location }

// RetrievalMethod returns how images are acquired from the source.
func (m SourceMetadata) RetrievalMethod() RetrievalMethod { return m.retrievalMethod }

// ImageMetadata describes the clinical attributes of a stored image.
type ImageMetadata struct {
	format     ImageFormat
	modality   string
	region     string
	dimensions string
	sizeBytes  int64
}

// NewImageMetadata creates image metadata, validating the required fields.
func NewImageMetadata(
	format ImageFormat,
	modality string,
	region string,
	dimensions string,
	sizeBytes int64,
) (ImageMetadata, error) {
	if !format.IsValid() {
		return ImageMetadata{}, NewValidationError("format", "unknown image format")
	}
	if sizeBytes < 0 {
		return ImageMetadata{}, NewValidationError("size_bytes", "must not be negative")
	}
	return ImageMetadata{
		format:     format,
		modality:   modality,
		region:     region,
		dimensions: dimensions,
		sizeBytes:  sizeBytes,
	}, nil
}

// ReconstructImageMetadata creates image metadata from persisted data.
// This should only be used by repositories when reconstructing from storage.
func ReconstructImageMetadata(
	format ImageFormat,
	modality string,
	region string,
	dimensions string,
	sizeBytes int64,
) ImageMetadata {
	return ImageMetadata{
		format:     format,
		modality:   modality,
		region:     region,
		dimensions: dimensions,
		sizeBytes:  sizeBytes,
	}
}

// Format returns the image file format.
func (m ImageMetadata) Format() ImageFormat { return m.format }

// Modality returns the imaging modality (e.g. XRAY, MRI).
func (m ImageMetadata) Modality() string { return m.modality }

// Region returns the anatomical region the image covers.
func (m ImageMetadata) Region() string { return m.region }

// Dimensions returns the image dimensions (e.g. "1024x768"), if known.
func (m ImageMetadata) Dimensions() string { return m.dimensions }

// SizeBytes returns the stored payload size in bytes.
func (m ImageMetadata) SizeBytes() int64 { return m.sizeBytes }
