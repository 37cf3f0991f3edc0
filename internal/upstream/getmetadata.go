package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mat-1/internet-roadtrip-pathfinder/internal/geo"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/model"
)

const getMetadataURL = "https://maps.googleapis.com/$rpc/google.internal.maps.mapsjs.v1.MapsJsInternalService/GetMetadata"

const getMetadataMaxAttempts = 10

// RawPanoLink is a GetMetadata link before its pano id has been interned into
// a model.PanoId.
type RawPanoLink struct {
	PanoID  model.ApiPanoId
	Loc     geo.Location
	Heading float32
}

// RawGetMetadataResponse is a decoded GetMetadata result before its pano ids
// have been interned. The fetcher interns ID and each link's PanoID via the
// store before handing a model.GetMetadataResponse to the rest of the
// system.
type RawGetMetadataResponse struct {
	ID    model.ApiPanoId
	Loc   geo.Location
	Links []RawPanoLink
}

// FetchGetMetadata requests links and authoritative locations for a batch of
// API pano ids in one round trip. The provider occasionally answers with a
// "service unavailable" marker instead of data; that's retried with a 1
// second backoff, and only surfaced as an error once getMetadataMaxAttempts
// attempts in total have all failed that way.
func (c *Client) FetchGetMetadata(ctx context.Context, panoIDs []model.ApiPanoId) ([]RawGetMetadataResponse, error) {
	if err := c.EnsureNIDCookieSet(ctx); err != nil {
		return nil, err
	}

	decoded := make([]string, len(panoIDs))
	for i, id := range panoIDs {
		decoded[i] = DecodeProtobufPano(string(id))
	}

	reqBody, err := json.Marshal(buildGetMetadataRequest(decoded))
	if err != nil {
		return nil, fmt.Errorf("encoding GetMetadata request: %w", err)
	}

	for attempt := 1; ; attempt++ {
		body, err := c.doGetMetadata(ctx, reqBody)
		if err != nil {
			return nil, err
		}

		var doc []json.RawMessage
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("parsing GetMetadata response: %w (body: %s)", err, truncate(body, 500))
		}
		if len(doc) < 2 {
			return nil, fmt.Errorf("GetMetadata response too short: %s", truncate(body, 500))
		}

		var responses []json.RawMessage
		if err := json.Unmarshal(doc[1], &responses); err != nil {
			// [14, "The service is currently unavailable."]
			if attempt >= getMetadataMaxAttempts {
				return nil, fmt.Errorf("invalid GetMetadata response after %d attempts: %s", attempt, truncate(body, 500))
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		return parseGetMetadataResponses(responses), nil
	}
}

func (c *Client) doGetMetadata(ctx context.Context, body []byte) ([]byte, error) {
	res, err := c.sendWithThrottleRetry(ctx, func() (*http.Request, error) {
		req, err := c.newRequest(ctx, http.MethodPost, getMetadataURL)
		if err != nil {
			return nil, err
		}
		req.Header.Set("content-type", "application/json+protobuf")
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("GetMetadata request: %w", err)
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("reading GetMetadata response: %w", err)
	}
	return respBody, nil
}

// buildGetMetadataRequest mirrors the request payload the provider's own JS
// client sends; the leading "apiv3" envelope and the nested [[0]] are both
// required, the latter to force the server to always include a heading.
func buildGetMetadataRequest(decodedPanoIDs []string) []any {
	queries := make([]any, len(decodedPanoIDs))
	for i, id := range decodedPanoIDs {
		frontend := 2
		if IsThirdPartyPano(id) {
			frontend = 10
		}
		queries[i] = [][]any{{frontend, id}}
	}

	return []any{
		[]any{"apiv3", nil, nil, nil, "US", nil, nil, nil, nil, nil, [][]int{{0}}},
		[]string{"en", "US"},
		queries,
		[]int{6},
	}
}

func parseGetMetadataResponses(responses []json.RawMessage) []RawGetMetadataResponse {
	results := make([]RawGetMetadataResponse, 0, len(responses))
	for _, raw := range responses {
		res, ok := parseGetMetadataResponse(raw)
		if ok {
			results = append(results, res)
		}
	}
	return results
}

func parseGetMetadataResponse(raw json.RawMessage) (RawGetMetadataResponse, bool) {
	var panoRes []json.RawMessage
	if err := json.Unmarshal(raw, &panoRes); err != nil || len(panoRes) < 6 {
		return RawGetMetadataResponse{}, false
	}

	panoID, ok := navigateToString(panoRes, 1, 1)
	if !ok {
		return RawGetMetadataResponse{}, false
	}

	// the "game coords" (originalLat/originalLng) live at
	// pano_res[5][0][1][0][2] / [3]; a pano without them is skipped, same as
	// the provider's own behavior for panos it hasn't assigned real-world
	// coordinates yet.
	lat, lng, ok := navigateToLatLng(raw, 5, 0, 1, 0)
	if !ok {
		return RawGetMetadataResponse{}, false
	}

	var entry0 []json.RawMessage
	if err := json.Unmarshal(panoRes[5], &entry0); err != nil || len(entry0) == 0 {
		return RawGetMetadataResponse{}, false
	}

	var links []RawPanoLink
	var immediateLinks []json.RawMessage
	if len(entry0) > 0 {
		var e0 []json.RawMessage
		if err := json.Unmarshal(entry0[0], &e0); err == nil && len(e0) > 6 {
			json.Unmarshal(e0[6], &immediateLinks)

			var allLinksWrap []json.RawMessage
			if len(e0) > 3 {
				var e3 []json.RawMessage
				if err := json.Unmarshal(e0[3], &e3); err == nil && len(e3) > 0 {
					json.Unmarshal(e3[0], &allLinksWrap)
				}
			}

			for _, rawLink := range immediateLinks {
				link, ok := parseImmediateLink(rawLink, allLinksWrap)
				if ok {
					links = append(links, link)
				}
			}
		}
	}

	return RawGetMetadataResponse{
		ID:    model.ApiPanoId(panoID),
		Loc:   geo.NewLocationDeg(lat, lng),
		Links: links,
	}, true
}

func parseImmediateLink(rawImmediate json.RawMessage, allLinks []json.RawMessage) (RawPanoLink, bool) {
	var immediate []json.RawMessage
	if err := json.Unmarshal(rawImmediate, &immediate); err != nil || len(immediate) < 2 {
		return RawPanoLink{}, false
	}
	index, ok := jsonFloat(immediate[0])
	if !ok || int(index) >= len(allLinks) || int(index) < 0 {
		return RawPanoLink{}, false
	}

	var headingWrap []json.RawMessage
	if err := json.Unmarshal(immediate[1], &headingWrap); err != nil || len(headingWrap) < 4 {
		return RawPanoLink{}, false
	}
	heading, ok := jsonFloat(headingWrap[3])
	if !ok {
		return RawPanoLink{}, false
	}

	var linkData []json.RawMessage
	if err := json.Unmarshal(allLinks[int(index)], &linkData); err != nil || len(linkData) < 3 {
		return RawPanoLink{}, false
	}
	linkPanoID, ok := navigateToString(linkData, 0, 1)
	if !ok {
		return RawPanoLink{}, false
	}
	lat, lng, ok := navigateToLatLng(linkData[2], 0)
	if !ok {
		return RawPanoLink{}, false
	}

	return RawPanoLink{
		PanoID:  model.ApiPanoId(linkPanoID),
		Loc:     geo.NewLocationDeg(lat, lng),
		Heading: float32(heading),
	}, true
}

func navigateToString(arr []json.RawMessage, indices ...int) (string, bool) {
	if len(indices) == 0 {
		return "", false
	}
	cur := arr
	for _, idx := range indices[:len(indices)-1] {
		if idx >= len(cur) {
			return "", false
		}
		var next []json.RawMessage
		if err := json.Unmarshal(cur[idx], &next); err != nil {
			return "", false
		}
		cur = next
	}
	last := indices[len(indices)-1]
	if last >= len(cur) {
		return "", false
	}
	return jsonString(cur[last])
}
