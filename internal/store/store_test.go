package store

import (
	"path/filepath"
	"testing"

	"github.com/mat-1/internet-roadtrip-pathfinder/internal/geo"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := Open(path, func(apiPanoID string) bool {
		return len(apiPanoID) > 22
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetPanoIDInterningIsStable(t *testing.T) {
	s := openTestStore(t)

	id1, err := s.GetPanoID("CAoSLEFGMVFpcE9fZXhhbXBsZQ")
	if err != nil {
		t.Fatalf("GetPanoID: %v", err)
	}
	id2, err := s.GetPanoID("CAoSLEFGMVFpcE9fZXhhbXBsZQ")
	if err != nil {
		t.Fatalf("GetPanoID: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected the same pano id to intern to the same PanoId, got %v and %v", id1, id2)
	}

	otherID, err := s.GetPanoID("a-different-pano-id")
	if err != nil {
		t.Fatalf("GetPanoID: %v", err)
	}
	if otherID == id1 {
		t.Fatalf("expected different pano id strings to intern to different PanoIds")
	}
}

func TestGetMetadataRoundTrip(t *testing.T) {
	s := openTestStore(t)

	id, err := s.GetPanoID("pano-a")
	if err != nil {
		t.Fatalf("GetPanoID: %v", err)
	}
	linkID, err := s.GetPanoID("pano-b")
	if err != nil {
		t.Fatalf("GetPanoID: %v", err)
	}

	res := &model.GetMetadataResponse{
		ID:  id,
		Loc: geo.NewLocationDeg(40.1, -73.2),
		Links: []model.PanoLink{
			{Pano: model.Pano{ID: linkID, Loc: geo.NewLocationDeg(40.2, -73.3)}, Heading: 90.5},
		},
	}
	if err := s.SaveGetMetadata(res); err != nil {
		t.Fatalf("SaveGetMetadata: %v", err)
	}

	loc, links, ok := s.LookupGetMetadata(id)
	if !ok {
		t.Fatalf("expected a cached getmetadata record")
	}
	if loc != res.Loc {
		t.Fatalf("got loc %v, want %v", loc, res.Loc)
	}
	if len(links) != 1 || links[0].Pano.ID != linkID || links[0].Heading != 90.5 {
		t.Fatalf("links round-trip mismatch: %+v", links)
	}
}

func TestListEntityPhotosTooManyMarker(t *testing.T) {
	s := openTestStore(t)

	tile := geo.SizedTile{Size: 16, X: 1, Y: 2}
	if err := s.SaveListEntityPhotos(tile, nil); err != nil {
		t.Fatalf("SaveListEntityPhotos: %v", err)
	}

	panos, found := s.LookupListEntityPhotos(tile)
	if !found {
		t.Fatalf("expected the tile to be cached (even if marked too big)")
	}
	if panos != nil {
		t.Fatalf("expected a nil slice for a too-big marker, got %v", panos)
	}
	if s.IsSizedTileCached(tile) {
		t.Fatalf("a too-big tile shouldn't report as fully cached")
	}
}

func TestListEntityPhotosRoundTrip(t *testing.T) {
	s := openTestStore(t)

	tile := geo.SizedTile{Size: 16, X: 3, Y: 4}
	id, _ := s.GetPanoID("pano-c")
	panos := []model.PanoWithBothLocations{
		{ID: id, SearchLoc: geo.NewLocationDeg(1, 2), ActualLoc: geo.NewLocationDeg(1.001, 2.001)},
	}
	if err := s.SaveListEntityPhotos(tile, panos); err != nil {
		t.Fatalf("SaveListEntityPhotos: %v", err)
	}

	got, found := s.LookupListEntityPhotos(tile)
	if !found {
		t.Fatalf("expected the tile to be cached")
	}
	if len(got) != 1 || got[0].ID != id {
		t.Fatalf("got %+v, want %+v", got, panos)
	}
	if !s.IsSizedTileCached(tile) {
		t.Fatalf("expected tile to report as fully cached")
	}
}
