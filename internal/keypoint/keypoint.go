// Package keypoint holds the fixed keypoint catalog, the skeletal connection
// topology of the 33-landmark pose schema, and selections over them.
package keypoint

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// NumLandmarks is the length of a pose result's landmark sequence.
const NumLandmarks = 33

// ErrUnknownKeypoint is returned for names that are not in the catalog.
var ErrUnknownKeypoint = errors.New("unknown keypoint")

// Keypoint is a named landmark index.
type Keypoint struct {
	Name  string `json:"name"`
	Index int    `json:"index"`
}

// Connection is an anatomical link between two landmark indices.
type Connection struct {
	A int `json:"a"`
	B int `json:"b"`
}

var catalog = []Keypoint{
	{"Nose", 0},
	{"Left Eye", 2},
	{"Right Eye", 5},
	{"Left Shoulder", 11},
	{"Right Shoulder", 12},
	{"Left Elbow", 13},
	{"Right Elbow", 14},
	{"Left Wrist", 15},
	{"Right Wrist", 16},
	{"Left Hip", 23},
	{"Right Hip", 24},
	{"Left Knee", 25},
	{"Right Knee", 26},
	{"Left Ankle", 27},
	{"Right Ankle", 28},
}

var byName = func() map[string]int {
	m := make(map[string]int, len(catalog))
	for _, k := range catalog {
		m[strings.ToLower(k.Name)] = k.Index
	}
	return m
}()

var topology = []Connection{
	{0, 1}, {1, 2}, {2, 3}, {3, 7},
	{0, 4}, {4, 5}, {5, 6}, {6, 8},
	{9, 10},
	{11, 12}, {11, 13}, {13, 15}, {15, 17}, {15, 19}, {15, 21}, {17, 19},
	{12, 14}, {14, 16}, {16, 18}, {16, 20}, {16, 22}, {18, 20},
	{11, 23}, {12, 24}, {23, 24},
	{23, 25}, {24, 26}, {25, 27}, {26, 28},
	{27, 29}, {28, 30}, {29, 31}, {30, 32}, {27, 31}, {28, 32},
}

// Catalog returns the keypoints a user can select, in display order.
func Catalog() []Keypoint {
	out := make([]Keypoint, len(catalog))
	copy(out, catalog)
	return out
}

// Names returns the catalog names in display order.
func Names() []string {
	names := make([]string, len(catalog))
	for i, k := range catalog {
		names[i] = k.Name
	}
	return names
}

// Lookup returns the landmark index for a catalog name. Matching ignores
// case and surrounding whitespace.
func Lookup(name string) (int, bool) {
	index, ok := byName[strings.ToLower(strings.TrimSpace(name))]
	return index, ok
}

// Topology returns the connection list of the pose schema.
func Topology() []Connection {
	out := make([]Connection, len(topology))
	copy(out, topology)
	return out
}

// Selection is a set of landmark indices.
type Selection map[int]struct{}

// All selects every catalog keypoint.
func All() Selection {
	s := make(Selection, len(catalog))
	for _, k := range catalog {
		s[k.Index] = struct{}{}
	}
	return s
}

// Select builds a selection from catalog names.
func Select(names ...string) (Selection, error) {
	s := make(Selection, len(names))
	for _, name := range names {
		index, ok := Lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKeypoint, name)
		}
		s[index] = struct{}{}
	}
	return s, nil
}

// ParseList parses a comma separated list of catalog names. An empty or
// blank list yields an empty selection.
func ParseList(list string) (Selection, error) {
	var names []string
	for _, part := range strings.Split(list, ",") {
		if part = strings.TrimSpace(part); "" != part {
			names = append(names, part)
		}
	}
	return Select(names...)
}

// Of builds a selection from raw landmark indices.
func Of(indices ...int) Selection {
	s := make(Selection, len(indices))
	for _, i := range indices {
		s[i] = struct{}{}
	}
	return s
}

// Has reports whether index is selected.
func (s Selection) Has(index int) bool {
	_, ok := s[index]
	return ok
}

// Indices returns the selected indices in ascending order.
func (s Selection) Indices() []int {
	out := make([]int, 0, len(s))
	for i := range s {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Names returns the catalog names of the selected indices, in catalog order.
func (s Selection) Names() []string {
	var names []string
	for _, k := range catalog {
		if s.Has(k.Index) {
			names = append(names, k.Name)
		}
	}
	return names
}

// FilterConnections keeps the connections whose both endpoints are selected.
func FilterConnections(connections []Connection, s Selection) []Connection {
	out := make([]Connection, 0, len(connections))
	for _, c := range connections {
		if s.Has(c.A) && s.Has(c.B) {
			out = append(out, c)
		}
	}
	return out
}
