package igtl

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
)

// PolyData is a surface mesh: flat point coordinates plus cell
// connectivity lists in the (count, indices...) layout shared by the
// legacy VTK file format and the POLYDATA wire body.
type PolyData struct {
	// Points is x0,y0,z0,x1,... (len = 3 * point count).
	Points []float32
	// Vertices, Lines and Polygons are cell lists; each cell is a count
	// followed by that many point indices.
	Vertices []uint32
	Lines    []uint32
	Polygons []uint32

	verticesCount, linesCount, polygonsCount uint32
}

// ReadPolyDataFile parses a legacy-VTK ASCII polydata file.
func ReadPolyDataFile(path string) (*PolyData, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("igtl: open polydata %s: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	// Token stream over the whole file; the legacy format is whitespace
	// separated after the two header lines.
	var tokens []string
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if lineNo <= 2 {
			// "# vtk DataFile Version x.y" and the free-text title
			continue
		}
		tokens = append(tokens, strings.Fields(line)...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("igtl: read polydata %s: %w", path, err)
	}

	pd := &PolyData{}
	i := 0
	next := func() (string, bool) {
		if i >= len(tokens) {
			return "", false
		}
		t := tokens[i]
		i++
		return t, true
	}

	for {
		tok, ok := next()
		if !ok {
			break
		}
		switch strings.ToUpper(tok) {
		case "ASCII":
		case "BINARY":
			return nil, fmt.Errorf("igtl: polydata %s: binary VTK files are not supported", path)
		case "DATASET":
			kind, _ := next()
			if !strings.EqualFold(kind, "POLYDATA") {
				return nil, fmt.Errorf("igtl: polydata %s: dataset %q is not POLYDATA", path, kind)
			}
		case "POINTS":
			countTok, _ := next()
			next() // scalar type, ignored
			count, err := strconv.Atoi(countTok)
			if err != nil || count < 0 {
				return nil, fmt.Errorf("igtl: polydata %s: bad POINTS count %q", path, countTok)
			}
			pd.Points = make([]float32, 0, count*3)
			for j := 0; j < count*3; j++ {
				vTok, ok := next()
				if !ok {
					return nil, fmt.Errorf("igtl: polydata %s: POINTS truncated", path)
				}
				v, err := strconv.ParseFloat(vTok, 32)
				if err != nil {
					return nil, fmt.Errorf("igtl: polydata %s: bad coordinate %q", path, vTok)
				}
				pd.Points = append(pd.Points, float32(v))
			}
		case "VERTICES", "LINES", "POLYGONS":
			countTok, _ := next()
			sizeTok, _ := next()
			count, err1 := strconv.Atoi(countTok)
			size, err2 := strconv.Atoi(sizeTok)
			if err1 != nil || err2 != nil || count < 0 || size < 0 {
				return nil, fmt.Errorf("igtl: polydata %s: bad %s header", path, tok)
			}
			cells := make([]uint32, 0, size)
			for j := 0; j < size; j++ {
				vTok, ok := next()
				if !ok {
					return nil, fmt.Errorf("igtl: polydata %s: %s truncated", path, tok)
				}
				v, err := strconv.ParseUint(vTok, 10, 32)
				if err != nil {
					return nil, fmt.Errorf("igtl: polydata %s: bad index %q", path, vTok)
				}
				cells = append(cells, uint32(v))
			}
			switch strings.ToUpper(tok) {
			case "VERTICES":
				pd.Vertices, pd.verticesCount = cells, uint32(count)
			case "LINES":
				pd.Lines, pd.linesCount = cells, uint32(count)
			case "POLYGONS":
				pd.Polygons, pd.polygonsCount = cells, uint32(count)
			}
		case "POINT_DATA", "CELL_DATA":
			// Attributes are not carried over the wire; stop here.
			i = len(tokens)
		default:
			// Unknown section keyword; the legacy format has several we
			// do not care about.
		}
	}
	if len(pd.Points) == 0 {
		return nil, fmt.Errorf("igtl: polydata %s: no POINTS section", path)
	}
	return pd, nil
}

// PackPolyData builds a POLYDATA message from the mesh.
func PackPolyData(version uint16, deviceName string, timestamp float64, pd *PolyData, meta map[string]string) []byte {
	content := make([]byte, 40,
		40+len(pd.Points)*4+(len(pd.Vertices)+len(pd.Lines)+len(pd.Polygons))*4)
	binary.BigEndian.PutUint32(content[0:4], uint32(len(pd.Points)/3))
	binary.BigEndian.PutUint32(content[4:8], pd.verticesCount)
	binary.BigEndian.PutUint32(content[8:12], uint32(len(pd.Vertices)*4))
	binary.BigEndian.PutUint32(content[12:16], pd.linesCount)
	binary.BigEndian.PutUint32(content[16:20], uint32(len(pd.Lines)*4))
	binary.BigEndian.PutUint32(content[20:24], pd.polygonsCount)
	binary.BigEndian.PutUint32(content[24:28], uint32(len(pd.Polygons)*4))
	// bytes 28..36: triangle strips (none), 36..40: attributes (none)

	var scratch [4]byte
	for _, p := range pd.Points {
		binary.BigEndian.PutUint32(scratch[:], math.Float32bits(p))
		content = append(content, scratch[:]...)
	}
	for _, list := range [][]uint32{pd.Vertices, pd.Lines, pd.Polygons} {
		for _, v := range list {
			binary.BigEndian.PutUint32(scratch[:], v)
			content = append(content, scratch[:]...)
		}
	}
	return Pack(version, TypePolyData, deviceName, timestamp, content, meta)
}
