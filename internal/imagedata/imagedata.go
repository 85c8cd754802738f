package imagedata

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
)

var (
	ErrEmpty           = errors.New("image data is empty")
	ErrInvalidEncoding = errors.New("image data is not valid base64")
	ErrInvalidFileType = errors.New("image data is not a supported image type")
)

type FileType string

const (
	FileTypePNG  FileType = "png"
	FileTypeJPEG FileType = "jpeg"
	FileTypeGIF  FileType = "gif"
	FileTypeWEBP FileType = "webp"
)

func (f FileType) MimeType() string {
	return "image/" + string(f)
}

var magicBytes = map[FileType][]byte{
	FileTypePNG:  {0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A},
	FileTypeJPEG: {0xFF, 0xD8, 0xFF},
	FileTypeGIF:  {0x47, 0x49, 0x46, 0x38},
}

// DetectFileType sniffs the leading bytes of an image.
func DetectFileType(data []byte) (FileType, error) {
	for fileType, signature := range magicBytes {
		if bytes.HasPrefix(data, signature) {
			return fileType, nil
		}
	}
	if len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP" {
		return FileTypeWEBP, nil
	}
	return "", ErrInvalidFileType
}

// Decode accepts either a data URL ("data:image/png;base64,...") or a bare
// base64 string and returns the raw bytes with their detected type.
func Decode(s string) ([]byte, FileType, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, "", ErrEmpty
	}
	if strings.HasPrefix(s, "data:") {
		comma := strings.IndexByte(s, ',')
		if comma < 0 || !strings.HasSuffix(s[:comma], ";base64") {
			return nil, "", ErrInvalidEncoding
		}
		s = s[comma+1:]
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
		if err != nil {
			return nil, "", ErrInvalidEncoding
		}
	}
	if len(data) == 0 {
		return nil, "", ErrEmpty
	}

	fileType, err := DetectFileType(data)
	if err != nil {
		return nil, "", err
	}
	return data, fileType, nil
}
