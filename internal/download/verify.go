package download

import (
	"bytes"
)

// headerSize is how many leading bytes are sniffed for container signatures.
const headerSize = 16

// containerFormat identifies a media container recognized by signature.
type containerFormat string

const (
	formatMP4     containerFormat = "mp4"
	formatWebM    containerFormat = "webm"
	formatFLV     containerFormat = "flv"
	formatUnknown containerFormat = "unknown"
)

// sniffContainer inspects the leading bytes of a download against known
// container signatures. MP4 carries "ftyp" at offset 4, WebM opens with the
// EBML magic, FLV with "FLV".
func sniffContainer(header []byte) containerFormat {
	if len(header) >= 8 && bytes.Equal(header[4:8], []byte("ftyp")) {
		return formatMP4
	}
	if len(header) >= 4 && bytes.Equal(header[:4], []byte{0x1A, 0x45, 0xDF, 0xA3}) {
		return formatWebM
	}
	if len(header) >= 3 && bytes.Equal(header[:3], []byte("FLV")) {
		return formatFLV
	}
	return formatUnknown
}
