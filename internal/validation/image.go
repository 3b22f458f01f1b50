package validation

import (
	"fmt"
	"net/http"
)

// imageTypes maps the accepted image MIME types to the extension used for
// stored objects.
var imageTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// DetectImage sniffs data and returns its MIME type and file extension.
// The declared content type of an upload is never trusted.
func DetectImage(data []byte, maxSize int64) (mimeType, ext string, err error) {
	if len(data) == 0 {
		return "", "", fmt.Errorf("image is empty")
	}
	if int64(len(data)) > maxSize {
		return "", "", fmt.Errorf("image too large: maximum size is %d MB", maxSize/(1<<20))
	}

	mimeType = http.DetectContentType(data)
	ext, ok := imageTypes[mimeType]
	if !ok {
		return "", "", fmt.Errorf("unsupported image type %q: allowed are jpeg, png, gif, webp", mimeType)
	}
	return mimeType, ext, nil
}
