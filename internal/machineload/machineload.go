// SPDX-FileCopyrightText: 2025 Jon Thor Kristinsson
// SPDX-License-Identifier: Apache-2.0

// Package machineload parses machine description documents and loads them
// into a store.Store, validating every invariant spec.md §4.2 requires
// before any row is written.
package machineload

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/spalloc/spallocd/internal/model"
	"github.com/spalloc/spallocd/internal/store"
	"github.com/spalloc/spallocd/internal/topology"
	apperrors "github.com/spalloc/spallocd/pkg/errors"
)

// BoardLocationDoc is one live board's position, both logical (triad) and
// physical (cabinet/frame/board-slot).
type BoardLocationDoc struct {
	Triad    topology.Triad `yaml:",inline"`
	Physical model.Physical `yaml:",inline"`
}

// BMPDoc is one board management processor's address.
type BMPDoc struct {
	Cabinet int    `yaml:"cabinet"`
	Frame   int    `yaml:"frame"`
	IP      string `yaml:"ip"`
}

// DeadLinkDoc marks one board's outbound link as administratively dead.
type DeadLinkDoc struct {
	Triad     topology.Triad `yaml:",inline"`
	Direction string         `yaml:"direction"`
}

// MachineDoc describes one machine to load.
type MachineDoc struct {
	Name           string              `yaml:"name"`
	Tags           []string            `yaml:"tags"`
	Width          int                 `yaml:"width"`
	Height         int                 `yaml:"height"`
	BoardLocations []BoardLocationDoc  `yaml:"board_locations"`
	SpinnakerIPs   []string            `yaml:"spinnaker_ips"`
	BMPs           []BMPDoc            `yaml:"bmps"`
	DeadBoards     []topology.Triad    `yaml:"dead_boards"`
	DeadLinks      []DeadLinkDoc       `yaml:"dead_links"`
	InService      *bool               `yaml:"in_service"`
}

// Document is the top-level machine description document, as loaded by
// the loadMachines admission operation.
type Document struct {
	Machines []MachineDoc `yaml:"machines"`
}

// triadKeyPattern and physicalKeyPattern match the bracketed coordinate
// forms spec.md §6 requires as an alternative to structured YAML mappings:
// "[x:N,y:N,z:N]" for a triad, "[c:N,f:N]" or "[c:N,f:N,b:N]" for a
// physical cabinet/frame(/board) address.
var (
	triadKeyPattern    = regexp.MustCompile(`^\[x:(-?\d+),y:(-?\d+),z:(-?\d+)\]$`)
	physicalKeyPattern = regexp.MustCompile(`^\[c:(-?\d+),f:(-?\d+)(?:,b:(-?\d+))?\]$`)
)

func parseTriadKey(s string) (topology.Triad, bool) {
	m := triadKeyPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return topology.Triad{}, false
	}
	x, _ := strconv.Atoi(m[1])
	y, _ := strconv.Atoi(m[2])
	z, _ := strconv.Atoi(m[3])
	return topology.Triad{X: x, Y: y, Z: z}, true
}

func parsePhysicalKey(s string) (model.Physical, bool) {
	m := physicalKeyPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return model.Physical{}, false
	}
	c, _ := strconv.Atoi(m[1])
	f, _ := strconv.Atoi(m[2])
	b := 0
	if m[3] != "" {
		b, _ = strconv.Atoi(m[3])
	}
	return model.Physical{Cabinet: c, Frame: f, Board: b}, true
}

// decodeTriadKey accepts either a structured mapping key ({x: N, y: N, z:
// N}) or a bracketed stringified key ("[x:N,y:N,z:N]").
func decodeTriadKey(key *yaml.Node) (topology.Triad, error) {
	if key.Kind == yaml.MappingNode {
		var t topology.Triad
		if err := key.Decode(&t); err != nil {
			return topology.Triad{}, err
		}
		return t, nil
	}
	var s string
	if err := key.Decode(&s); err != nil {
		return topology.Triad{}, err
	}
	if t, ok := parseTriadKey(s); ok {
		return t, nil
	}
	return topology.Triad{}, fmt.Errorf("invalid triad key %q", s)
}

// decodePhysicalValue accepts either a structured mapping ({cabinet: N,
// frame: N, board: N}) or a bracketed stringified value ("[c:N,f:N,b:N]").
func decodePhysicalValue(val *yaml.Node) (model.Physical, error) {
	if val.Kind == yaml.MappingNode {
		var p model.Physical
		if err := val.Decode(&p); err != nil {
			return model.Physical{}, err
		}
		return p, nil
	}
	var s string
	if err := val.Decode(&s); err != nil {
		return model.Physical{}, err
	}
	if p, ok := parsePhysicalKey(s); ok {
		return p, nil
	}
	return model.Physical{}, fmt.Errorf("invalid physical value %q", s)
}

// decodeBoardLocations accepts board_locations as either the structured
// list form (one entry per board, triad and physical fields inlined) or a
// map from triad key to physical value.
func decodeBoardLocations(node *yaml.Node) ([]BoardLocationDoc, error) {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []BoardLocationDoc
		if err := node.Decode(&list); err != nil {
			return nil, err
		}
		return list, nil
	case yaml.MappingNode:
		out := make([]BoardLocationDoc, 0, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			t, err := decodeTriadKey(node.Content[i])
			if err != nil {
				return nil, err
			}
			p, err := decodePhysicalValue(node.Content[i+1])
			if err != nil {
				return nil, err
			}
			out = append(out, BoardLocationDoc{Triad: t, Physical: p})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported YAML node for board_locations")
	}
}

// decodeSpinnakerIPs accepts spinnaker_ips as either the positional array
// form (index-aligned with board_locations) or a map from triad key to IP,
// normalizing either shape into the positional form loadMachine expects.
func decodeSpinnakerIPs(node *yaml.Node, locations []BoardLocationDoc) ([]string, error) {
	switch node.Kind {
	case yaml.SequenceNode:
		var ips []string
		if err := node.Decode(&ips); err != nil {
			return nil, err
		}
		return ips, nil
	case yaml.MappingNode:
		byTriad := make(map[topology.Triad]string, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			t, err := decodeTriadKey(node.Content[i])
			if err != nil {
				return nil, err
			}
			var ip string
			if err := node.Content[i+1].Decode(&ip); err != nil {
				return nil, err
			}
			byTriad[t] = ip
		}
		ips := make([]string, len(locations))
		for i, loc := range locations {
			ips[i] = byTriad[loc.Triad]
		}
		return ips, nil
	default:
		return nil, fmt.Errorf("unsupported YAML node for spinnaker_ips")
	}
}

// decodeBMPIPs accepts the map-form bmp_ips field (cabinet/frame key to
// management IP), the alternative to the structured bmps list.
func decodeBMPIPs(node *yaml.Node) ([]BMPDoc, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("unsupported YAML node for bmp_ips")
	}
	out := make([]BMPDoc, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		p, err := decodePhysicalValue(node.Content[i])
		if err != nil {
			return nil, err
		}
		var ip string
		if err := node.Content[i+1].Decode(&ip); err != nil {
			return nil, err
		}
		out = append(out, BMPDoc{Cabinet: p.Cabinet, Frame: p.Frame, IP: ip})
	}
	return out, nil
}

// decodeTriads accepts a sequence whose elements are either structured
// triads ({x,y,z}) or bracketed stringified triads ("[x:N,y:N,z:N]").
func decodeTriads(node *yaml.Node) ([]topology.Triad, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("unsupported YAML node for dead_boards")
	}
	out := make([]topology.Triad, 0, len(node.Content))
	for _, item := range node.Content {
		t, err := decodeTriadKey(item)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// decodeDeadLinks accepts dead_links as either the structured list form
// (one entry per dead link, triad and direction fields inlined) or a map
// from triad key to a list of dead direction names.
func decodeDeadLinks(node *yaml.Node) ([]DeadLinkDoc, error) {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []DeadLinkDoc
		if err := node.Decode(&list); err != nil {
			return nil, err
		}
		return list, nil
	case yaml.MappingNode:
		var out []DeadLinkDoc
		for i := 0; i+1 < len(node.Content); i += 2 {
			t, err := decodeTriadKey(node.Content[i])
			if err != nil {
				return nil, err
			}
			var dirs []string
			if err := node.Content[i+1].Decode(&dirs); err != nil {
				return nil, err
			}
			for _, d := range dirs {
				out = append(out, DeadLinkDoc{Triad: t, Direction: d})
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported YAML node for dead_links")
	}
}

func fieldNode(doc *yaml.Node, name string) (*yaml.Node, bool) {
	for i := 0; i+1 < len(doc.Content); i += 2 {
		if doc.Content[i].Value == name {
			return doc.Content[i+1], true
		}
	}
	return nil, false
}

// UnmarshalYAML accepts both the structured list/array forms and the
// bracketed/stringified map forms spec.md §6 requires for board_locations,
// spinnaker_ips, bmp_ips, dead_boards and dead_links.
func (md *MachineDoc) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("machine entry: expected a mapping")
	}

	var alias struct {
		Name      string   `yaml:"name"`
		Tags      []string `yaml:"tags"`
		Width     int      `yaml:"width"`
		Height    int      `yaml:"height"`
		InService *bool    `yaml:"in_service"`
	}
	if err := node.Decode(&alias); err != nil {
		return err
	}
	md.Name, md.Tags, md.Width, md.Height, md.InService = alias.Name, alias.Tags, alias.Width, alias.Height, alias.InService

	if n, ok := fieldNode(node, "board_locations"); ok {
		locs, err := decodeBoardLocations(n)
		if err != nil {
			return fmt.Errorf("machine %q: board_locations: %w", md.Name, err)
		}
		md.BoardLocations = locs
	}

	if n, ok := fieldNode(node, "spinnaker_ips"); ok {
		ips, err := decodeSpinnakerIPs(n, md.BoardLocations)
		if err != nil {
			return fmt.Errorf("machine %q: spinnaker_ips: %w", md.Name, err)
		}
		md.SpinnakerIPs = ips
	}

	if n, ok := fieldNode(node, "bmps"); ok {
		var bmps []BMPDoc
		if err := n.Decode(&bmps); err != nil {
			return fmt.Errorf("machine %q: bmps: %w", md.Name, err)
		}
		md.BMPs = bmps
	} else if n, ok := fieldNode(node, "bmp_ips"); ok {
		bmps, err := decodeBMPIPs(n)
		if err != nil {
			return fmt.Errorf("machine %q: bmp_ips: %w", md.Name, err)
		}
		md.BMPs = bmps
	}

	if n, ok := fieldNode(node, "dead_boards"); ok {
		db, err := decodeTriads(n)
		if err != nil {
			return fmt.Errorf("machine %q: dead_boards: %w", md.Name, err)
		}
		md.DeadBoards = db
	}

	if n, ok := fieldNode(node, "dead_links"); ok {
		dl, err := decodeDeadLinks(n)
		if err != nil {
			return fmt.Errorf("machine %q: dead_links: %w", md.Name, err)
		}
		md.DeadLinks = dl
	}

	return nil
}

// Parse decodes a YAML machine description document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, apperrors.NewBadRequest("parsing machine description: %v", err)
	}
	return &doc, nil
}

// Result reports what Load did for one machine.
type Result struct {
	MachineName   string
	MachineID     int64
	Outcome       store.InsertOutcome
	BoardsLoaded  int
	LinksLoaded   int
}

// Load validates and inserts every machine in doc into st, in the
// transaction order: machine row, tags, BMP rows, board rows (live then
// dead), link rows. A validation failure on one machine aborts that
// machine's load and is returned immediately; earlier machines in the
// same call are not rolled back, since each machine's rows are inserted
// under its own identity and are independently idempotent to re-load.
func Load(ctx context.Context, st store.Store, doc *Document) ([]Result, error) {
	results := make([]Result, 0, len(doc.Machines))

	for _, md := range doc.Machines {
		res, err := loadMachine(ctx, st, md)
		if err != nil {
			return results, fmt.Errorf("loading machine %q: %w", md.Name, err)
		}
		results = append(results, res)
	}

	return results, nil
}

func loadMachine(ctx context.Context, st store.Store, md MachineDoc) (Result, error) {
	if err := validateMachine(md); err != nil {
		return Result{}, err
	}

	depth := 3
	if len(md.BoardLocations) == 1 {
		depth = 1
	}

	inService := true
	if md.InService != nil {
		inService = *md.InService
	}

	maxX, maxY := topology.MaxChipCoords(md.Width, md.Height)

	mres, err := st.InsertMachine(ctx, &model.Machine{
		Name:      md.Name,
		Width:     md.Width,
		Height:    md.Height,
		Depth:     depth,
		Tags:      md.Tags,
		InService: inService,
		MaxChipX:  maxX,
		MaxChipY:  maxY,
	})
	if err != nil {
		return Result{}, err
	}
	machineID := mres.ID

	if mres.Outcome == store.Inserted {
		for _, tag := range md.Tags {
			if _, err := st.InsertTag(ctx, machineID, tag); err != nil {
				return Result{}, err
			}
		}
	}

	bmpByCabinetFrame := make(map[[2]int]struct{}, len(md.BMPs))
	for _, b := range md.BMPs {
		if _, err := st.InsertBMP(ctx, model.BMP{
			MachineID:    machineID,
			Cabinet:      b.Cabinet,
			Frame:        b.Frame,
			ManagementIP: b.IP,
		}); err != nil {
			return Result{}, err
		}
		bmpByCabinetFrame[[2]int{b.Cabinet, b.Frame}] = struct{}{}
	}

	result := Result{MachineName: md.Name, MachineID: machineID, Outcome: mres.Outcome}

	liveByTriad := make(map[topology.Triad]model.Physical, len(md.BoardLocations))
	for i, loc := range md.BoardLocations {
		liveByTriad[loc.Triad] = loc.Physical
		bres, err := st.InsertBoard(ctx, model.Board{
			MachineID:   machineID,
			Triad:       loc.Triad,
			Physical:    loc.Physical,
			IPAddress:   md.SpinnakerIPs[i],
			MayAllocate: true,
			Functioning: true,
		})
		if err != nil {
			return Result{}, err
		}
		if bres.Outcome == store.Inserted {
			result.BoardsLoaded++
		}
	}

	originPhysical := liveByTriad[topology.Triad{X: 0, Y: 0, Z: 0}]
	for _, dead := range md.DeadBoards {
		bres, err := st.InsertBoard(ctx, model.Board{
			MachineID: machineID,
			Triad:     dead,
			Physical: model.Physical{
				Cabinet: originPhysical.Cabinet,
				Frame:   originPhysical.Frame,
				Board:   -1,
			},
			MayAllocate: false,
			Functioning: false,
		})
		if err != nil {
			return Result{}, err
		}
		if bres.Outcome == store.Inserted {
			result.BoardsLoaded++
		}
	}

	deadLinkSet := make(map[topology.Triad]map[topology.Direction]bool, len(md.DeadLinks))
	for _, dl := range md.DeadLinks {
		dir, ok := topology.ParseDirection(dl.Direction)
		if !ok {
			return Result{}, apperrors.NewBadRequest("machine %q: unknown link direction %q", md.Name, dl.Direction)
		}
		if deadLinkSet[dl.Triad] == nil {
			deadLinkSet[dl.Triad] = make(map[topology.Direction]bool)
		}
		deadLinkSet[dl.Triad][dir] = true
	}

	for _, loc := range md.BoardLocations {
		board, err := st.FindBoard(ctx, model.BoardSelector{Kind: model.SelectorTriad, Machine: md.Name, Triad: loc.Triad})
		if err != nil {
			return Result{}, err
		}
		for _, dir := range topology.AllDirections {
			lres, err := st.InsertLink(ctx, model.Link{
				MachineID: machineID,
				BoardID:   board.ID,
				Direction: dir,
				Dead:      deadLinkSet[loc.Triad][dir],
			})
			if err != nil {
				return Result{}, err
			}
			if lres.Outcome == store.Inserted {
				result.LinksLoaded++
			}
		}
	}

	return result, nil
}

func validateMachine(md MachineDoc) error {
	if err := validateName(md.Name); err != nil {
		return err
	}
	for _, tag := range md.Tags {
		if err := validateName(tag); err != nil {
			return fmt.Errorf("machine %q: tag %w", md.Name, err)
		}
	}
	if md.Width < 1 || md.Height < 1 {
		return apperrors.NewBadRequest("machine %q: width and height must be >= 1", md.Name)
	}
	if len(md.BoardLocations) == 0 {
		return apperrors.NewBadRequest("machine %q: must have at least one board location", md.Name)
	}
	if len(md.SpinnakerIPs) != len(md.BoardLocations) {
		return apperrors.NewBadRequest("machine %q: spinnaker_ips (%d) must match board_locations (%d)",
			md.Name, len(md.SpinnakerIPs), len(md.BoardLocations))
	}

	depth := 3
	if len(md.BoardLocations) == 1 {
		depth = 1
	}

	bmps := make(map[[2]int]struct{}, len(md.BMPs))
	for _, b := range md.BMPs {
		bmps[[2]int{b.Cabinet, b.Frame}] = struct{}{}
	}

	for _, loc := range md.BoardLocations {
		if loc.Triad.X < 0 || loc.Triad.X >= md.Width || loc.Triad.Y < 0 || loc.Triad.Y >= md.Height {
			return apperrors.NewBadRequest("machine %q: board triad %+v outside %dx%d grid", md.Name, loc.Triad, md.Width, md.Height)
		}
		if loc.Triad.Z < 0 || loc.Triad.Z >= depth {
			return apperrors.NewBadRequest("machine %q: board triad %+v has z outside machine depth %d", md.Name, loc.Triad, depth)
		}
		if _, ok := bmps[[2]int{loc.Physical.Cabinet, loc.Physical.Frame}]; !ok {
			return apperrors.NewBadRequest("machine %q: board at %+v has no matching bmp entry for cabinet=%d frame=%d",
				md.Name, loc.Triad, loc.Physical.Cabinet, loc.Physical.Frame)
		}
	}

	for _, dl := range md.DeadLinks {
		if _, ok := topology.ParseDirection(dl.Direction); !ok {
			return apperrors.NewBadRequest("machine %q: unknown link direction %q", md.Name, dl.Direction)
		}
	}

	return nil
}

// validateName enforces the blank/brace/NUL/whitespace restriction on
// machine names and tags.
func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return apperrors.NewBadRequest("name must not be blank")
	}
	if strings.ContainsAny(name, "{}\x00") || strings.ContainsFunc(name, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' }) {
		return apperrors.NewBadRequest("name %q contains forbidden characters", name)
	}
	return nil
}
