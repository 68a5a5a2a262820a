// Copyright 2024 The pesde Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pesde

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/sdboyer/constext"

	"github.com/Paficent/pesde/names"
	"github.com/Paficent/pesde/source"
)

// A SyncDownloadedGraph is the downloaded graph shared by the download
// tasks, guarded by a single coarse lock; contention is bounded by the
// dependency count.
type SyncDownloadedGraph struct {
	mu    sync.Mutex
	graph DownloadedGraph
}

func (s *SyncDownloadedGraph) insert(name names.PackageName, id source.VersionID, node *DownloadedDependencyGraphNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.graph[name]
	if !ok {
		versions = make(map[source.VersionID]*DownloadedDependencyGraphNode)
		s.graph[name] = versions
	}
	versions[id] = node
}

// Take returns the graph. Call only after every completion signal has been
// received; readers after the join observe all inserts.
func (s *SyncDownloadedGraph) Take() DownloadedGraph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph
}

// DownloadGraph fans out one task per pinned node: fetch through the
// source, write the virtual tree into the node's container via the content
// store (unless write is false, or the node is a dev dependency in prod
// mode), and record the downloaded node. It returns a channel that carries
// exactly one completion signal - nil or an error - per node. The first
// error does not cancel siblings; the consumer decides whether to drain or
// abort. Partial writes are tolerated, a subsequent install overwrites
// containers.
func (p *Project) DownloadGraph(ctx context.Context, m *Manifest, graph DependencyGraph, refreshed map[source.PackageSource]bool, reg SourceRegistry, prod, write bool) (<-chan error, *SyncDownloadedGraph, error) {
	downloaded := &SyncDownloadedGraph{graph: make(DownloadedGraph, len(graph))}
	signals := make(chan error, graph.NodeCount())

	// The caller's context is joined with the project's run context so a
	// shutdown signal aborts in-flight downloads.
	taskCtx, cancel := constext.Cons(ctx, p.RunContext())

	var refreshMu sync.Mutex
	var wg sync.WaitGroup

	err := graph.Nodes(func(name names.PackageName, id source.VersionID, node *DependencyGraphNode) error {
		src := node.PkgRef.Source()

		// Refresh happens-before any download dispatch for the source.
		refreshMu.Lock()
		if !refreshed[src] {
			if err := reg.Refresh(ctx, src); err != nil {
				refreshMu.Unlock()
				return errors.Wrapf(err, "refreshing source for %s@%s", name, id)
			}
			refreshed[src] = true
		}
		refreshMu.Unlock()

		containerFolder := ContainerFolder(
			filepath.Join(
				p.PackageDir(),
				m.Target.Kind().PackagesFolder(node.PkgRef.TargetKind()),
				PackagesContainerName,
			),
			name, id.VersionString(),
		)

		if err := os.MkdirAll(containerFolder, 0755); err != nil {
			return errors.Wrapf(err, "creating container for %s@%s", name, id)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()

			p.Dbg.Printf("downloading %s@%s", name, id)

			fs, tgt, err := reg.Download(taskCtx, src, node.PkgRef)
			if err != nil {
				signals <- errors.Wrapf(err, "downloading %s@%s", name, id)
				return
			}

			p.Dbg.Printf("downloaded %s@%s", name, id)

			if write {
				if !prod || node.ResolvedType != source.Dev {
					if err := fs.WriteTo(containerFolder, p.CasDir()); err != nil {
						signals <- errors.Wrapf(err, "writing contents of %s@%s", name, id)
						return
					}
				} else {
					p.Dbg.Printf("skipping writing %s@%s to disk, dev dependency in prod mode", name, id)
				}
			}

			downloaded.insert(name, id, &DownloadedDependencyGraphNode{Node: node, Target: tgt})
			signals <- nil
		}()
		return nil
	})
	if err != nil {
		cancel()
		return nil, nil, err
	}

	go func() {
		wg.Wait()
		cancel()
		close(signals)
	}()

	return signals, downloaded, nil
}
