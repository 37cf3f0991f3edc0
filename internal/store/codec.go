package store

import (
	"encoding/binary"
	"math"

	"github.com/mat-1/internet-roadtrip-pathfinder/internal/geo"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/model"
)

// The on-disk formats below are little-endian, hand-rolled binary encodings
// - not JSON or a general-purpose serialization format - to keep the cache
// file compact, since it's expected to hold many millions of records.

func encodeGetMetadata(res *model.GetMetadataResponse) []byte {
	buf := make([]byte, 0, 8+4+len(res.Links)*16)
	buf = appendLocation(buf, res.Loc)

	numLinks := len(res.Links)
	if numLinks >= 255 {
		// rarely, a pano has 255 or more links.
		buf = append(buf, 255)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(numLinks))
	} else {
		buf = append(buf, byte(numLinks))
	}

	for _, link := range res.Links {
		buf = appendPanoID(buf, link.Pano.ID)
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(link.Heading))
		buf = appendLocation(buf, link.Pano.Loc)
	}

	return buf
}

func decodeGetMetadata(data []byte) (geo.Location, []model.PanoLink) {
	loc, data := readLocationAdvance(data)

	linkCount := uint32(data[0])
	data = data[1:]
	if linkCount == 255 {
		linkCount = binary.LittleEndian.Uint32(data)
		data = data[4:]
	}

	links := make([]model.PanoLink, 0, linkCount)
	for i := uint32(0); i < linkCount; i++ {
		var id model.PanoId
		id, data = readPanoIDAdvance(data)
		heading := math.Float32frombits(binary.LittleEndian.Uint32(data))
		data = data[4:]
		var linkLoc geo.Location
		linkLoc, data = readLocationAdvance(data)

		links = append(links, model.PanoLink{
			Pano:    model.Pano{ID: id, Loc: linkLoc},
			Heading: heading,
		})
	}

	return loc, links
}

func encodeListEntityPhotos(panos []model.PanoWithBothLocations) []byte {
	if panos == nil {
		// 0 = too big, a smaller tile should be checked instead.
		return []byte{0}
	}

	buf := make([]byte, 0, 1+len(panos)*20)
	// 1 = normal
	buf = append(buf, 1)
	for _, pano := range panos {
		buf = appendPanoID(buf, pano.ID)
		buf = appendLocation(buf, pano.SearchLoc)
		buf = appendLocation(buf, pano.ActualLoc)
	}
	return buf
}

func decodeListEntityPhotos(data []byte) []model.PanoWithBothLocations {
	if len(data) == 0 || data[0] == 0 {
		return nil
	}
	data = data[1:]

	// non-nil even when empty: nil is reserved for the too-big marker above.
	panos := make([]model.PanoWithBothLocations, 0, len(data)/20)
	for len(data) > 0 {
		var id model.PanoId
		id, data = readPanoIDAdvance(data)
		var searchLoc, actualLoc geo.Location
		searchLoc, data = readLocationAdvance(data)
		actualLoc, data = readLocationAdvance(data)
		panos = append(panos, model.PanoWithBothLocations{
			ID:        id,
			SearchLoc: searchLoc,
			ActualLoc: actualLoc,
		})
	}
	return panos
}

func appendPanoID(buf []byte, id model.PanoId) []byte {
	return binary.LittleEndian.AppendUint32(buf, uint32(id))
}

func readPanoIDAdvance(data []byte) (model.PanoId, []byte) {
	return model.PanoId(binary.LittleEndian.Uint32(data)), data[4:]
}

func appendLocation(buf []byte, loc geo.Location) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(loc.Lat.Bits()))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(loc.Lng.Bits()))
	return buf
}

func readLocation(data []byte) geo.Location {
	loc, _ := readLocationAdvance(data)
	return loc
}

func readLocationAdvance(data []byte) (geo.Location, []byte) {
	lat := geo.FromBits(int32(binary.LittleEndian.Uint32(data)))
	lng := geo.FromBits(int32(binary.LittleEndian.Uint32(data[4:])))
	return geo.NewLocation(lat, lng), data[8:]
}

// sizedTileKey encodes a SizedTile as a bucket key: 1 byte size + 4 bytes x
// + 4 bytes y, little-endian to match the original's SizedTile codec.
func sizedTileKey(tile geo.SizedTile) []byte {
	buf := make([]byte, 0, 9)
	buf = append(buf, tile.Size)
	buf = binary.LittleEndian.AppendUint32(buf, tile.X)
	buf = binary.LittleEndian.AppendUint32(buf, tile.Y)
	return buf
}

func decodeSizedTileKey(key []byte) geo.SizedTile {
	return geo.SizedTile{
		Size: key[0],
		X:    binary.LittleEndian.Uint32(key[1:5]),
		Y:    binary.LittleEndian.Uint32(key[5:9]),
	}
}
