// Package store is the persistent, transactional key-value cache backing
// the pathfinder: interned pano ids, decoded GetMetadata records, and
// listentityphotos tile listings, all addressed through bbolt buckets.
package store

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"

	bolt "go.etcd.io/bbolt"

	"github.com/mat-1/internet-roadtrip-pathfinder/internal/geo"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/model"
)

// CurrentSchemaVersion is stamped into the settings bucket on first run. A
// mismatch on a later run means the on-disk layout predates a breaking
// change; the migration chain that would reconcile old versions is out of
// scope here, so Open fails fast with a clear error instead of silently
// misreading old data.
const CurrentSchemaVersion = 6

var (
	bucketSettings         = []byte("settings")
	bucketPanoIDs          = []byte("pano_ids")
	bucketGetMetadata      = []byte("getmetadata")
	bucketListEntityPhotos = []byte("listentityphotos")
)

const nextPanoIDKey = "next-pano-id"
const versionKey = "version"

// IsThirdPartyPano reports whether a pano id string belongs to a
// third-party/photosphere pano, based on known id prefixes and length.
// Exposed so callers interning a pano id can set the photosphere bit
// consistently with the upstream fetcher's own classification.
type IsThirdPartyPano func(apiPanoID string) bool

// Store is the embedded key-value cache. It owns a single bbolt file with
// four logical tables (buckets): settings, pano_ids, getmetadata, and
// listentityphotos.
type Store struct {
	db               *bolt.DB
	isThirdPartyPano IsThirdPartyPano
}

// Open opens (creating if necessary) the bbolt database at path, checking
// and stamping the schema version.
func Open(path string, isThirdPartyPano IsThirdPartyPano) (*Store, error) {
	log.Printf("opening pathfinder cache at %s", path)

	firstRun := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		firstRun = true
	}

	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening cache db: %w", err)
	}

	s := &Store{db: db, isThirdPartyPano: isThirdPartyPano}

	err = db.Update(func(tx *bolt.Tx) error {
		settings, err := tx.CreateBucketIfNotExists(bucketSettings)
		if err != nil {
			return fmt.Errorf("creating settings bucket: %w", err)
		}

		if firstRun {
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], CurrentSchemaVersion)
			if err := settings.Put([]byte(versionKey), buf[:]); err != nil {
				return fmt.Errorf("stamping schema version: %w", err)
			}
		} else {
			version := uint32(0)
			if data := settings.Get([]byte(versionKey)); data != nil {
				version = binary.LittleEndian.Uint32(data)
			}
			if version != CurrentSchemaVersion {
				return fmt.Errorf("cache schema version %d doesn't match current version %d: migration not implemented, delete the cache directory to start over", version, CurrentSchemaVersion)
			}
		}

		for _, name := range [][]byte{bucketPanoIDs, bucketGetMetadata, bucketListEntityPhotos} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Println("finished opening pathfinder cache")
	return s, nil
}

// Close closes the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// LookupGetMetadata returns the decoded GetMetadata record for pano_id, if
// cached.
func (s *Store) LookupGetMetadata(id model.PanoId) (geo.Location, []model.PanoLink, bool) {
	var loc geo.Location
	var links []model.PanoLink
	var found bool

	_ = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketGetMetadata).Get(panoIDKey(id))
		if data == nil {
			return nil
		}
		loc, links = decodeGetMetadata(data)
		found = true
		return nil
	})
	return loc, links, found
}

// LookupGetMetadataLocation is a faster alternative to LookupGetMetadata
// that skips parsing the links.
func (s *Store) LookupGetMetadataLocation(id model.PanoId) (geo.Location, bool) {
	var loc geo.Location
	var found bool

	_ = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketGetMetadata).Get(panoIDKey(id))
		if data == nil {
			return nil
		}
		loc = readLocation(data)
		found = true
		return nil
	})
	return loc, found
}

// SaveGetMetadata persists a decoded GetMetadata response.
func (s *Store) SaveGetMetadata(res *model.GetMetadataResponse) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGetMetadata).Put(panoIDKey(res.ID), encodeGetMetadata(res))
	})
}

// LookupListEntityPhotos returns the decoded pano listing for a tile. The
// outer bool reports whether the tile is cached at all; when it is, a nil
// slice means the tile had too many panos and a smaller tile should be
// checked instead.
func (s *Store) LookupListEntityPhotos(tile geo.SizedTile) ([]model.PanoWithBothLocations, bool) {
	var panos []model.PanoWithBothLocations
	var found bool

	_ = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketListEntityPhotos).Get(sizedTileKey(tile))
		if data == nil {
			return nil
		}
		found = true
		panos = decodeListEntityPhotos(data)
		return nil
	})
	return panos, found
}

// IsSizedTileCached reports whether tile is fully cached, i.e. it had fewer
// than the provider's per-request result cap.
func (s *Store) IsSizedTileCached(tile geo.SizedTile) bool {
	cached := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketListEntityPhotos).Get(sizedTileKey(tile))
		cached = data != nil && len(data) > 0 && data[0] == 1
		return nil
	})
	return cached
}

// IsTileCached reports whether any size of this tile is already cached.
func (s *Store) IsTileCached(tile geo.SmallTile) bool {
	for _, sized := range tile.AllSizes() {
		if s.IsSizedTileCached(sized) {
			return true
		}
	}
	return false
}

// SaveListEntityPhotos persists a tile's pano listing. A nil panos means the
// tile had too many results and should be treated as uncached at this size.
func (s *Store) SaveListEntityPhotos(tile geo.SizedTile, panos []model.PanoWithBothLocations) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketListEntityPhotos).Put(sizedTileKey(tile), encodeListEntityPhotos(panos))
	})
}

// DeleteListEntityPhotos removes a tile's cached listing, forcing it to be
// re-fetched next time it's needed.
func (s *Store) DeleteListEntityPhotos(tile geo.SizedTile) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketListEntityPhotos).Delete(sizedTileKey(tile))
	})
}

// SlowListTiles returns every cached tile. Intended for the /stats debug
// endpoint only - it's a full bucket scan.
func (s *Store) SlowListTiles() []geo.SizedTile {
	var tiles []geo.SizedTile
	_ = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketListEntityPhotos).ForEach(func(k, v []byte) error {
			tiles = append(tiles, decodeSizedTileKey(k))
			return nil
		})
	})
	return tiles
}

// GetPanoID interns an upstream pano id string into its PanoId handle,
// assigning a new one if this is the first time it's been seen.
func (s *Store) GetPanoID(apiPanoID string) (model.PanoId, error) {
	var id model.PanoId
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		id, err = s.getPanoIDWithTx(tx, apiPanoID)
		return err
	})
	return id, err
}

func (s *Store) getPanoIDWithTx(tx *bolt.Tx, apiPanoID string) (model.PanoId, error) {
	panoIDs := tx.Bucket(bucketPanoIDs)

	if existing := panoIDs.Get([]byte(apiPanoID)); existing != nil {
		return model.PanoId(binary.LittleEndian.Uint32(existing)), nil
	}

	next, err := s.nextPanoID(tx)
	if err != nil {
		return 0, err
	}
	if next >= 1<<31 {
		return 0, fmt.Errorf("pano id overflow")
	}

	id := next
	if s.isThirdPartyPano != nil && s.isThirdPartyPano(apiPanoID) {
		id |= photosphereBit
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], id)
	if err := panoIDs.Put([]byte(apiPanoID), buf[:]); err != nil {
		return 0, fmt.Errorf("interning pano id: %w", err)
	}

	return model.PanoId(id), nil
}

const photosphereBit = 1 << 31

func (s *Store) nextPanoID(tx *bolt.Tx) (uint32, error) {
	settings := tx.Bucket(bucketSettings)

	var next uint32
	if data := settings.Get([]byte(nextPanoIDKey)); data != nil {
		next = binary.LittleEndian.Uint32(data)
	}

	if next == 1<<32-1 {
		return 0, fmt.Errorf("pano id overflow, the internal pano id representation needs to be widened")
	}

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], next+1)
	if err := settings.Put([]byte(nextPanoIDKey), buf[:]); err != nil {
		return 0, fmt.Errorf("advancing next-pano-id: %w", err)
	}

	return next, nil
}

// PanoCount returns the number of pano ids interned so far.
func (s *Store) PanoCount() uint32 {
	var count uint32
	_ = s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketSettings).Get([]byte(nextPanoIDKey)); data != nil {
			count = binary.LittleEndian.Uint32(data)
		}
		return nil
	})
	return count
}

// LookupInternalPanoID resolves an already-interned api pano id to its
// PanoId without assigning a new one, for debug endpoints.
func (s *Store) LookupInternalPanoID(apiPanoID string) (model.PanoId, bool) {
	var id model.PanoId
	var found bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPanoIDs).Get([]byte(apiPanoID))
		if data == nil {
			return nil
		}
		id = model.PanoId(binary.LittleEndian.Uint32(data))
		found = true
		return nil
	})
	return id, found
}

// FindAPIPanoID does a full scan of the pano_ids bucket looking for the
// string id that maps to the given internal PanoId. Intended for the
// /slow-get-pano-id debug endpoint only.
func (s *Store) FindAPIPanoID(id model.PanoId) (string, bool) {
	var found string
	var ok bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPanoIDs).ForEach(func(k, v []byte) error {
			if model.PanoId(binary.LittleEndian.Uint32(v)) == id {
				found = string(k)
				ok = true
				return nil
			}
			return nil
		})
	})
	return found, ok
}

func panoIDKey(id model.PanoId) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(id))
	return buf[:]
}
