// Package server exposes the pathfinder over HTTP: the /path WebSocket
// control channel and a handful of debug/stats routes, per spec.md §6.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/mat-1/internet-roadtrip-pathfinder/internal/astar"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/config"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/geo"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/model"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/orchestrator"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/ratelimit"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/spatial"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/store"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server wires the orchestrator, store, and spatial index into the HTTP
// routes described in spec.md §6.
type Server struct {
	settings     *config.Settings
	db           *store.Store
	spatialIndex *spatial.Index
	orchestrator *orchestrator.Orchestrator
	tasks        *ratelimit.TaskTracker
}

// New builds a Server. pf is the pathfinder used for every /path request.
func New(settings *config.Settings, db *store.Store, spatialIndex *spatial.Index, pf orchestrator.Pathfinder) *Server {
	snap := func(ctx context.Context, loc geo.Location, maxDistance float64) (geo.Location, bool, error) {
		pano, ok, err := spatialIndex.GetNearestPano(ctx, loc, maxDistance)
		if err != nil || !ok {
			return geo.Location{}, ok, err
		}
		return pano.Loc, true, nil
	}

	return &Server{
		settings:     settings,
		db:           db,
		spatialIndex: spatialIndex,
		orchestrator: orchestrator.New(pf, snap),
		tasks:        ratelimit.NewTaskTracker(),
	}
}

// Handler returns the top-level http.Handler for every route in spec.md §6.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/path", s.handlePath)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/tile/", s.handleTile)
	mux.HandleFunc("/internal-pano-id/", s.handleInternalPanoID)
	mux.HandleFunc("/slow-get-pano-id/", s.handleSlowGetPanoID)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// inboundMessage is the tagged union of messages a client can send over the
// /path WebSocket.
type inboundMessage struct {
	Kind  string     `json:"kind"`
	ID    uint32     `json:"id"`
	Start [2]float64 `json:"start"`

	StartPano       *string      `json:"start_pano,omitempty"`
	End             [2]float64   `json:"end"`
	Heading         float32      `json:"heading"`
	Stops           [][2]float64 `json:"stops"`
	HeuristicFactor *float64     `json:"heuristic_factor,omitempty"`
	NoLongJumps     bool         `json:"no_long_jumps,omitempty"`
}

// progressMessage is the outbound "progress" event, matching
// FullProgressUpdate in spec.md §6.
type progressMessage struct {
	Type string `json:"type"`

	ID                          uint32       `json:"id"`
	PercentDone                 float64      `json:"percent_done"`
	EstimatedSecondsRemaining   float64      `json:"estimated_seconds_remaining"`
	BestPathCost                float32      `json:"best_path_cost"`
	NodesConsidered             int          `json:"nodes_considered"`
	ElapsedSeconds              float64      `json:"elapsed_seconds"`
	BestPathKeepPrefixLength    int          `json:"best_path_keep_prefix_length"`
	BestPathAppend              [][2]float32 `json:"best_path_append"`
	CurrentPathKeepPrefixLength int          `json:"current_path_keep_prefix_length"`
	CurrentPathAppend           [][2]float32 `json:"current_path_append"`
}

func clearedProgress(id uint32) progressMessage {
	return progressMessage{Type: "progress", ID: id, PercentDone: -1}
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (s *Server) handlePath(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("/path upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log.Println("/path websocket opened")

	clientIP := ratelimit.ClientIPFromRequest(r)
	out := make(chan any, 4)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for msg := range out {
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}()
	defer func() {
		close(out)
		<-done
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			out <- errorMessage{Type: "error", Message: fmt.Sprintf("message must be valid query: %v", err)}
			continue
		}

		switch msg.Kind {
		case "abort":
			// starting a new path already cancels whatever task this ip had
			// running, via TaskTracker.Start below; this just confirms back
			// to the client that the path was cleared.
			out <- clearedProgress(msg.ID)
		case "path":
			ctx, cancel := context.WithCancel(context.Background())
			s.tasks.Start(clientIP, cancel)
			go func() {
				defer s.tasks.Stop(clientIP, cancel)
				s.runPath(ctx, msg, out)
			}()
		default:
			out <- errorMessage{Type: "error", Message: fmt.Sprintf("unknown message kind %q", msg.Kind)}
		}
	}

	log.Println("/path websocket closed")
}

func (s *Server) runPath(ctx context.Context, msg inboundMessage, out chan<- any) {
	start := geo.FromLatLng(msg.Start)
	end := geo.FromLatLng(msg.End)

	heading := msg.Heading
	// internet roadtrip sometimes reports negative headings.
	heading = float32(int(heading+360) % 360)

	stops := make([]geo.Location, 0, len(msg.Stops)+1)
	for _, stop := range msg.Stops {
		stops = append(stops, geo.FromLatLng(stop))
	}
	stops = append(stops, end)

	heuristicFactor := s.settings.HeuristicFactor
	if msg.HeuristicFactor != nil {
		heuristicFactor = clamp(*msg.HeuristicFactor, astar.MinHeuristicFactor, astar.MaxHeuristicFactor)
	}

	req := orchestrator.Request{
		Start:       start,
		StartPanoID: msg.StartPano,
		Heading:     heading,
		Stops:       stops,
		Settings: astar.PathSettings{
			HeuristicFactor:               heuristicFactor,
			NoLongJumps:                   msg.NoLongJumps,
			UseOptionCache:                true,
			ForwardPenaltyOnIntersections: astar.Cost(s.settings.ForwardPenaltyOnIntersections),
			EdgeCostSingle:                astar.Cost(s.settings.EdgeCostSingle),
			EdgeCostMulti:                 astar.Cost(s.settings.EdgeCostMulti),
		},
	}

	err := s.orchestrator.Run(ctx, req, func(update orchestrator.CombinedUpdate) error {
		out <- progressMessage{
			Type:                        "progress",
			ID:                          msg.ID,
			PercentDone:                 update.PercentDone,
			EstimatedSecondsRemaining:   update.EstimatedSecondsRemaining,
			BestPathCost:                float32(update.BestPathCost),
			NodesConsidered:             update.NodesConsidered,
			ElapsedSeconds:              update.ElapsedSeconds,
			BestPathKeepPrefixLength:    update.BestPathKeepPrefixLength,
			BestPathAppend:              update.BestPathAppend,
			CurrentPathKeepPrefixLength: update.CurrentPathKeepPrefixLength,
			CurrentPathAppend:           update.CurrentPathAppend,
		}
		return nil
	})
	if err != nil {
		log.Printf("/path request %d failed: %v", msg.ID, err)
		out <- errorMessage{Type: "error", Message: err.Error()}
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	tiles := s.db.SlowListTiles()
	out := make([][3]uint32, len(tiles))
	for i, t := range tiles {
		out[i] = [3]uint32{t.X, t.Y, uint32(t.Size)}
	}

	writeJSON(w, map[string]any{
		"panos": s.db.PanoCount(),
		"tiles": out,
	})
}

func (s *Server) handleTile(w http.ResponseWriter, r *http.Request) {
	var size, x, y uint32
	if n, err := fmt.Sscanf(r.URL.Path, "/tile/%d/%d/%d", &size, &x, &y); err != nil || n != 3 {
		http.Error(w, "expected /tile/{size}/{x}/{y}", http.StatusBadRequest)
		return
	}

	panos, ok := s.db.LookupListEntityPhotos(geo.SizedTile{Size: uint8(size), X: x, Y: y})
	if !ok {
		writeJSON(w, nil)
		return
	}
	writeJSON(w, panos)
}

func (s *Server) handleInternalPanoID(w http.ResponseWriter, r *http.Request) {
	apiPanoID := r.URL.Path[len("/internal-pano-id/"):]
	if apiPanoID == "" {
		http.Error(w, "missing pano id", http.StatusBadRequest)
		return
	}

	id, ok := s.db.LookupInternalPanoID(apiPanoID)
	if !ok {
		fmt.Fprint(w, "no result\n")
		return
	}

	loc, _ := s.db.LookupGetMetadataLocation(id)
	fmt.Fprintf(w, "%d\n%s\n", id, loc)
}

func (s *Server) handleSlowGetPanoID(w http.ResponseWriter, r *http.Request) {
	if s.settings.ReverseLookupSecret != "" {
		if r.URL.Query().Get("key") != s.settings.ReverseLookupSecret {
			fmt.Fprint(w, "incorrect key\n")
			return
		}
	}

	idStr := r.URL.Path[len("/slow-get-pano-id/"):]
	var id uint32
	if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
		http.Error(w, "expected a numeric pano id", http.StatusBadRequest)
		return
	}

	apiPanoID, ok := s.db.FindAPIPanoID(model.PanoId(id))
	if !ok {
		fmt.Fprint(w, "no result\n")
		return
	}
	fmt.Fprintf(w, "%s\n", apiPanoID)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode json response: %v", err)
	}
}
