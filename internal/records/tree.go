// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package records maintains a browsable tree of everything already
// uploaded to the archive remote.
package records

import (
	"crypto/md5" // #nosec G501 -- path fingerprints, not security
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// validSubfolders are the remote base folders the tree includes. Anything
// else on the remote is ignored.
var validSubfolders = map[string]struct{}{
	"Chat Archive":               {},
	"Member-Only Chat Archive":   {},
	"Stream Archive":             {},
	"Member-Only Stream Archive": {},
}

// listEntry mirrors one rclone lsjson object.
type listEntry struct {
	Path     string `json:"Path"`
	Name     string `json:"Name"`
	Size     int64  `json:"Size"`
	MimeType string `json:"MimeType"`
	ModTime  string `json:"ModTime"`
	IsDir    bool   `json:"IsDir"`
}

// Node is one folder or file in the archive tree.
type Node struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Toggled  *bool   `json:"toggled,omitempty"`
	Children []*Node `json:"children,omitempty"`
	Size     int64   `json:"size,omitempty"`
	MimeType string  `json:"mimetype,omitempty"`
	ModTime  int64   `json:"modtime,omitempty"`
}

// Snapshot is the whole tree plus its bookkeeping, as served by the API.
type Snapshot struct {
	Data        *Node `json:"data"`
	LastUpdated int64 `json:"last_updated"`
	TotalSize   int64 `json:"total_size"`
}

func hashPath(path string) string {
	sum := md5.Sum([]byte(path)) // #nosec G401
	return hex.EncodeToString(sum[:])
}

func boolPtr(b bool) *bool { return &b }

func findChild(parent *Node, name string) *Node {
	for _, child := range parent.Children {
		if child.Name == name {
			return child
		}
	}
	return nil
}

func parseModTime(s string) int64 {
	if s == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0
	}
	return t.Unix()
}

// buildTree folds the flat recursive listing into a folder tree rooted at
// the synthetic "VTuberHell" node, returning it with the total file size.
// Only entries under the archive base folders participate.
func buildTree(entries []listEntry) (*Node, int64) {
	filtered := entries[:0]
	for _, entry := range entries {
		base, _, _ := strings.Cut(entry.Path, "/")
		if _, ok := validSubfolders[base]; ok {
			filtered = append(filtered, entry)
		}
	}
	if len(filtered) == 0 {
		return nil, 0
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Path < filtered[j].Path })

	root := &Node{ID: "vthell", Name: "VTuberHell", Type: "folder", Toggled: boolPtr(true), Children: []*Node{}}
	var totalSize int64

	for _, entry := range filtered {
		segments := strings.Split(entry.Path, "/")
		if entry.IsDir && len(segments) == 1 {
			root.Children = append(root.Children, &Node{
				ID:       hashPath(entry.Path),
				Name:     entry.Path,
				Type:     "folder",
				Toggled:  boolPtr(true),
				Children: []*Node{},
			})
			continue
		}

		parents, leaf := segments[:len(segments)-1], segments[len(segments)-1]
		node := root
		for _, folder := range parents {
			child := findChild(node, folder)
			if child == nil {
				child = &Node{
					ID:       hashPath(entry.Path),
					Name:     folder,
					Type:     "folder",
					Toggled:  boolPtr(false),
					Children: []*Node{},
				}
				node.Children = append(node.Children, child)
			}
			node = child
		}

		if entry.IsDir {
			node.Children = append(node.Children, &Node{
				ID:       hashPath(entry.Path),
				Name:     leaf,
				Type:     "folder",
				Toggled:  boolPtr(false),
				Children: []*Node{},
			})
			continue
		}

		totalSize += entry.Size
		mime := entry.MimeType
		if mime == "" {
			mime = "application/octet-stream"
		}
		node.Children = append(node.Children, &Node{
			ID:       hashPath(entry.Path),
			Name:     leaf,
			Type:     "file",
			Size:     entry.Size,
			MimeType: mime,
			ModTime:  parseModTime(entry.ModTime),
		})
	}
	return root, totalSize
}
