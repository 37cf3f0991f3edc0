package astar

import (
	"container/heap"
	"testing"

	"github.com/mat-1/internet-roadtrip-pathfinder/internal/geo"
	"github.com/mat-1/internet-roadtrip-pathfinder/internal/model"
)

func BenchmarkNodeHeapPushPop(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		h := &nodeHeap{}
		heap.Init(h)
		for j := 0; j < 1024; j++ {
			heap.Push(h, weightedNode{index: int32(j), fScore: Cost(1024 - j), seq: int64(j)})
		}
		for h.Len() > 0 {
			heap.Pop(h)
		}
	}
}

func BenchmarkHeuristic(b *testing.B) {
	node := NodeIdent{Pano: model.Pano{Loc: geo.NewLocationDeg(40., -73.)}}
	goal := geo.NewLocationDeg(40.5, -73.5)

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		heuristic(node, goal, RecommendedHeuristicFactor)
	}
}

func BenchmarkReconstructPath(b *testing.B) {
	const n = 2048
	nodes := make([]NodeIdent, n)
	records := make([]nodeRecord, n)
	records[0] = nodeRecord{cameFrom: -1}
	for i := 1; i < n; i++ {
		nodes[i] = NodeIdent{Pano: model.Pano{ID: model.PanoId(i)}}
		records[i] = nodeRecord{cameFrom: int32(i - 1), gScore: Cost(i)}
	}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		reconstructPath(nodes, records, n-1)
	}
}
