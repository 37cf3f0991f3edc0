// Package model holds the panorama domain types shared across the store,
// upstream fetcher, spatial index, options engine, and pathfinder.
package model

import "github.com/mat-1/internet-roadtrip-pathfinder/internal/geo"

// PanoId is the pathfinder's compact internal handle for a panorama. The
// upstream provider's pano ids are variable-length strings; the store
// interns them into a PanoId the first time they're seen so the rest of the
// system can work with a cheap, fixed-size, hashable value.
type PanoId uint32

// photosphereBit marks third-party/photosphere panos so IsPhotosphere can be
// answered without a lookup.
const photosphereBit = 1 << 31

// IsPhotosphere reports whether this pano is a photosphere/third-party pano
// (upstream ids that start with CIHM0og or CIAB, or are longer than 22
// characters).
func (p PanoId) IsPhotosphere() bool {
	return p&photosphereBit != 0
}

// ApiPanoId is an un-interned pano id as returned directly by the upstream
// provider.
type ApiPanoId string

// Pano is an interned pano id paired with a location.
type Pano struct {
	ID  PanoId
	Loc geo.Location
}

// PanoWithBothLocations carries both the location a pano was found at during
// a nearby-panos search (search_loc) and its authoritative GetMetadata
// location (actual_loc). These differ for "wormhole" panos, whose actual
// location can be anywhere - that's what makes portal-style instant
// displacement possible.
type PanoWithBothLocations struct {
	ID        PanoId
	SearchLoc geo.Location
	ActualLoc geo.Location
}

// ApiPano is a pano as returned directly from the upstream provider, before
// its id has been interned into a PanoId.
type ApiPano struct {
	ID  ApiPanoId
	Loc geo.Location
}

// PanoLink is one of the panoramas directly reachable from another, per the
// upstream GetMetadata response.
type PanoLink struct {
	// Pano.Loc here is always an "actual" location, as returned by
	// GetMetadata.
	Pano    Pano
	Heading float32
}

// GetMetadataResponse is the decoded result of a GetMetadata lookup for one
// pano: its authoritative location and its directly reachable links.
type GetMetadataResponse struct {
	ID    PanoId
	Loc   geo.Location
	Links []PanoLink
}
