package file

import (
	"errors"
	"io"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
)

// sniffLen is how much of a file mimetype inspects by default.
const sniffLen = 3072

// classifyHead sniffs the start of f. Unreadable files are classified as
// TransferTypeFile.
func classifyHead(f *os.File) TransferType {
	head := make([]byte, sniffLen)
	n, err := f.ReadAt(head, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		logrus.WithFields(logrus.Fields{
			"function": "classifyHead",
			"path":     f.Name(),
			"error":    err.Error(),
		}).Debug("Mime detection failed, using generic type")
		return TransferTypeFile
	}
	return ClassifyBytes(head[:n])
}

// ClassifyBytes returns the transfer type of a content prefix.
func ClassifyBytes(head []byte) TransferType {
	return ClassifyMIME(mimetype.Detect(head).String())
}

// ClassifyMIME maps a media type to a transfer type.
func ClassifyMIME(mime string) TransferType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return TransferTypePhoto
	case strings.HasPrefix(mime, "video/"):
		return TransferTypeVideo
	case strings.HasPrefix(mime, "audio/"):
		return TransferTypeAudio
	default:
		return TransferTypeFile
	}
}
