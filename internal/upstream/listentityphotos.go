package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/mat-1/internet-roadtrip-pathfinder/internal/geo"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/model"
)

const listEntityPhotosURL = "https://www.google.com/maps/rpc/photo/listentityphotos"

// maxPanosPerRequest is the provider's per-request result cap; it doesn't
// always cut off at exactly this number, so callers treat anything close to
// it as "probably truncated".
const maxPanosPerRequest = 3000

// TryGetPanosAtTile fetches every pano the provider reports within tile,
// sorted by latitude (required for the spatial index's binary-search
// prefiltering). A nil slice with no error means the tile had too many
// results and a smaller tile should be tried instead.
func (c *Client) TryGetPanosAtTile(ctx context.Context, tile geo.SizedTile) ([]model.ApiPano, error) {
	tileCenter := tile.CoordsAtCenter()
	corner1 := tile.ToCoords()
	corner2 := geo.SizedTile{Size: tile.Size, X: tile.X + 1, Y: tile.Y + 1}.ToCoords()

	minLat, maxLat := minAngle(corner1.Lat, corner2.Lat), maxAngle(corner1.Lat, corner2.Lat)
	minLng, maxLng := minAngle(corner1.Lng, corner2.Lng), maxAngle(corner1.Lng, corner2.Lng)

	radiusMeters := uint32(tile.DistanceFromCornerToCenter() + 5.)

	panos, err := c.PanosNearCoords(ctx, tileCenter, radiusMeters, tile.Size != geo.SmallTileZoom)
	if err != nil {
		return nil, err
	}
	if panos == nil {
		return nil, nil
	}

	filtered := make([]model.ApiPano, 0, len(panos))
	for _, pano := range panos {
		if pano.Loc.Lat >= minLat && pano.Loc.Lat <= maxLat && pano.Loc.Lng >= minLng && pano.Loc.Lng <= maxLng {
			filtered = append(filtered, pano)
		}
	}

	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Loc.Lat < filtered[j].Loc.Lat })

	return filtered, nil
}

// PanosNearCoords requests every pano within radiusMeters of coords. A nil
// result (no error) means the provider reported the cap was hit and
// bailOnTooManyPanos was set.
func (c *Client) PanosNearCoords(ctx context.Context, coords geo.Location, radiusMeters uint32, bailOnTooManyPanos bool) ([]model.ApiPano, error) {
	if err := c.EnsureNIDCookieSet(ctx); err != nil {
		return nil, err
	}

	reqURL := buildListEntityPhotosRequest(coords, radiusMeters)

	res, err := c.sendWithThrottleRetry(ctx, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, reqURL)
	})
	if err != nil {
		return nil, fmt.Errorf("listentityphotos request: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading listentityphotos response: %w", err)
	}
	// the response is prefixed with a 4-byte anti-XSSI header before the
	// actual JSON payload begins.
	if len(body) < 4 {
		return nil, fmt.Errorf("listentityphotos response too short")
	}

	var doc []json.RawMessage
	if err := json.Unmarshal(body[4:], &doc); err != nil {
		log.Printf("failed to parse listentityphotos response: %s", truncate(body, 500))
		return nil, fmt.Errorf("parsing listentityphotos response: %w", err)
	}
	if len(doc) == 0 {
		return []model.ApiPano{}, nil
	}

	var nearbyPanos []json.RawMessage
	if err := json.Unmarshal(doc[0], &nearbyPanos); err != nil {
		// no nearby panos found; not an error, just an empty result.
		return []model.ApiPano{}, nil
	}

	if len(nearbyPanos) >= 2900 && bailOnTooManyPanos {
		return nil, nil
	}

	panos := make([]model.ApiPano, 0, len(nearbyPanos))
	for _, raw := range nearbyPanos {
		pano, ok := parseNearbyPano(raw)
		if ok {
			panos = append(panos, pano)
		}
	}

	return panos, nil
}

func parseNearbyPano(raw json.RawMessage) (model.ApiPano, bool) {
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil || len(arr) == 0 {
		return model.ApiPano{}, false
	}
	id, ok := jsonString(arr[0])
	if !ok {
		return model.ApiPano{}, false
	}

	lat, lng, ok := navigateToLatLng(raw, 21, 5, 0, 1, 0)
	if !ok {
		return model.ApiPano{}, false
	}

	return model.ApiPano{ID: model.ApiPanoId(id), Loc: geo.NewLocationDeg(lat, lng)}, true
}

// navigateToLatLng walks a chain of array indices into raw (as
// pano_res[indices...][2] / [3] for lat/lng), matching the deeply nested
// indexing the provider's undocumented response format requires.
func navigateToLatLng(raw json.RawMessage, indices ...int) (lat, lng float64, ok bool) {
	cur := raw
	for _, idx := range indices {
		var arr []json.RawMessage
		if err := json.Unmarshal(cur, &arr); err != nil || idx >= len(arr) {
			return 0, 0, false
		}
		cur = arr[idx]
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(cur, &arr); err != nil || len(arr) < 4 {
		return 0, 0, false
	}
	lat, ok1 := jsonFloat(arr[2])
	lng, ok2 := jsonFloat(arr[3])
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	return lat, lng, true
}

func jsonString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func jsonFloat(raw json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return f, true
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// buildListEntityPhotosRequest builds the listentityphotos URL, including
// its opaque "pb" protobuf-in-query-string parameter. The shape of this
// parameter was copied from the SingleImageSearch request the provider's own
// JS client makes, field-for-field; none of the numeric constants below are
// independently meaningful.
func buildListEntityPhotosRequest(coords geo.Location, radiusMeters uint32) string {
	var pb string
	pb += "!1e3"

	type requestedPano struct{ panoType, tiled, imageFormat int }
	requestedPanos := []requestedPano{{2, 1, 2}, {3, 1, 2}, {10, 1, 2}}

	pb += fmt.Sprintf("!5m%d", len(requestedPanos)*4+7)
	pb += "!2m2"
	pb += "!1i203"
	pb += "!1i100"
	pb += "!3m1"
	pb += fmt.Sprintf("!2i%d", maxPanosPerRequest)
	pb += fmt.Sprintf("!7m%d", len(requestedPanos)*4+1)
	for _, p := range requestedPanos {
		pb += "!1m3"
		pb += fmt.Sprintf("!1e%d", p.panoType)
		pb += fmt.Sprintf("!2b%d", p.tiled)
		pb += fmt.Sprintf("!3e%d", p.imageFormat)
	}
	pb += "!2b1"
	pb += "!9m2"
	pb += "!2d" + strconv.FormatFloat(coords.LngDeg(), 'g', -1, 64)
	pb += "!3d" + strconv.FormatFloat(coords.LatDeg(), 'g', -1, 64)
	pb += "!10d" + strconv.FormatUint(uint64(radiusMeters), 10)

	q := url.Values{
		"authuser": {"0"},
		"hl":       {"en"},
		"gl":       {"us"},
		"pb":       {pb},
	}
	return listEntityPhotosURL + "?" + q.Encode()
}

func minAngle(a, b geo.Angle) geo.Angle {
	if a < b {
		return a
	}
	return b
}
func maxAngle(a, b geo.Angle) geo.Angle {
	if a > b {
		return a
	}
	return b
}
