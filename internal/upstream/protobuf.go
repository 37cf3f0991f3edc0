package upstream

import (
	"encoding/base64"
	"strings"
)

// IsThirdPartyPano reports whether a pano id belongs to a third-party or
// photosphere pano. CIAB is a newer prefix that started appearing sometime
// before April 2025.
func IsThirdPartyPano(panoID string) bool {
	return strings.HasPrefix(panoID, "CIHM0og") || strings.HasPrefix(panoID, "CIAB") || len(panoID) > 22
}

// DecodeProtobufPano extracts the plain pano id string out of a
// protobuf-encoded "CAoS..." pano id, if it is one. IDs that aren't in that
// form are returned unchanged.
func DecodeProtobufPano(panoID string) string {
	if !strings.HasPrefix(panoID, "CAoS") || len(panoID) <= 22 {
		return panoID
	}

	bytes, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(panoID, ".", "="))
	if err != nil {
		return panoID
	}

	tagPos := -1
	for i, b := range bytes {
		if b == 0x12 {
			tagPos = i
			break
		}
	}
	if tagPos == -1 || tagPos+1 >= len(bytes) {
		return panoID
	}
	length := int(bytes[tagPos+1])
	start := tagPos + 2
	if start+length > len(bytes) {
		return panoID
	}

	return string(bytes[start : start+length])
}

// EncodeProtobufPano wraps a plain pano id string into the "CAoS..."
// protobuf-encoded form the provider's endpoints expect for some requests.
// It's the inverse of DecodeProtobufPano, kept for symmetry/testability even
// though nothing here needs to encode an id that didn't already come from
// the provider.
func EncodeProtobufPano(panoID string) string {
	if strings.HasPrefix(panoID, "CAoS") {
		return panoID
	}

	data := []byte{8, 10, 18, byte(len(panoID))}
	data = append(data, panoID...)
	return strings.ReplaceAll(base64.StdEncoding.EncodeToString(data), "=", ".")
}
