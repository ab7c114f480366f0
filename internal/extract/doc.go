package extract

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/richardlehane/mscfb"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// Word 97-2003 binary layout offsets inside the FIB.
const (
	fibIdent          = 0xA5EC
	fibFlagsOffset    = 0x000A
	fibFcClxOffset    = 0x01A2
	fibLcbClxOffset   = 0x01A6
	flagWhichTable    = 0x0200
	flagEncrypted     = 0x0100
	pcdCompressedMask = 0x40000000
)

var errNotWordBinary = errors.New("not a Word 97-2003 document")

// extractDOC reads the piece table of a compound-file .doc and decodes each piece.
func extractDOC(data []byte) (string, error) {
	streams, err := readCompoundStreams(data)
	if err != nil {
		return "", err
	}
	wordDoc, ok := streams["WordDocument"]
	if !ok {
		return "", errNotWordBinary
	}
	if len(wordDoc) < fibLcbClxOffset+4 {
		return "", fmt.Errorf("%w: FIB truncated", errNotWordBinary)
	}
	if binary.LittleEndian.Uint16(wordDoc[0:2]) != fibIdent {
		return "", errNotWordBinary
	}
	flags := binary.LittleEndian.Uint16(wordDoc[fibFlagsOffset:])
	if flags&flagEncrypted != 0 {
		return "", errors.New("document is encrypted")
	}
	tableName := "0Table"
	if flags&flagWhichTable != 0 {
		tableName = "1Table"
	}
	table, ok := streams[tableName]
	if !ok {
		return "", fmt.Errorf("table stream %s missing", tableName)
	}

	fcClx := binary.LittleEndian.Uint32(wordDoc[fibFcClxOffset:])
	lcbClx := binary.LittleEndian.Uint32(wordDoc[fibLcbClxOffset:])
	if lcbClx == 0 || uint64(fcClx)+uint64(lcbClx) > uint64(len(table)) {
		return "", errors.New("piece table out of range")
	}
	pieces, err := parseClx(table[fcClx : fcClx+lcbClx])
	if err != nil {
		return "", err
	}

	var raw strings.Builder
	for _, p := range pieces {
		text, err := p.decode(wordDoc)
		if err != nil {
			return "", err
		}
		raw.WriteString(text)
	}
	return collapseWhitespace(cleanWordText(raw.String())), nil
}

func readCompoundStreams(data []byte) (map[string][]byte, error) {
	doc, err := mscfb.New(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	streams := make(map[string][]byte)
	for entry, err := doc.Next(); err == nil; entry, err = doc.Next() {
		switch entry.Name {
		case "WordDocument", "0Table", "1Table":
			buf, readErr := io.ReadAll(entry)
			if readErr != nil {
				return nil, fmt.Errorf("read %s: %w", entry.Name, readErr)
			}
			streams[entry.Name] = buf
		}
	}
	return streams, nil
}

type piece struct {
	cpStart, cpEnd uint32
	fc             uint32
	compressed     bool
}

func parseClx(clx []byte) ([]piece, error) {
	pos := 0
	// Skip Prc entries (property modifiers) preceding the piece table.
	for pos < len(clx) && clx[pos] == 0x01 {
		if pos+3 > len(clx) {
			return nil, errors.New("clx truncated")
		}
		size := int(int16(binary.LittleEndian.Uint16(clx[pos+1:])))
		if size < 0 {
			return nil, errors.New("clx prc size negative")
		}
		pos += 3 + size
	}
	if pos+5 > len(clx) || clx[pos] != 0x02 {
		return nil, errors.New("pcdt marker missing")
	}
	lcb := int(binary.LittleEndian.Uint32(clx[pos+1:]))
	pos += 5
	if lcb < 4 || pos+lcb > len(clx) || (lcb-4)%12 != 0 {
		return nil, errors.New("plcpcd size invalid")
	}
	plc := clx[pos : pos+lcb]
	n := (lcb - 4) / 12
	pieces := make([]piece, 0, n)
	pcdBase := (n + 1) * 4
	for i := 0; i < n; i++ {
		start := binary.LittleEndian.Uint32(plc[i*4:])
		end := binary.LittleEndian.Uint32(plc[(i+1)*4:])
		fc := binary.LittleEndian.Uint32(plc[pcdBase+i*8+2:])
		if end < start {
			return nil, errors.New("piece table not ascending")
		}
		pieces = append(pieces, piece{
			cpStart:    start,
			cpEnd:      end,
			fc:         fc &^ pcdCompressedMask,
			compressed: fc&pcdCompressedMask != 0,
		})
	}
	return pieces, nil
}

func (p piece) decode(stream []byte) (string, error) {
	chars := uint64(p.cpEnd - p.cpStart)
	if p.compressed {
		off := uint64(p.fc / 2)
		if off+chars > uint64(len(stream)) {
			return "", errors.New("compressed piece out of range")
		}
		return charmap.Windows1252.NewDecoder().String(string(stream[off : off+chars]))
	}
	off := uint64(p.fc)
	if off+chars*2 > uint64(len(stream)) {
		return "", errors.New("unicode piece out of range")
	}
	decoder := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	out, err := decoder.Bytes(stream[off : off+chars*2])
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// cleanWordText drops field instructions (0x13..0x14), keeps field results,
// and maps Word control characters to whitespace.
func cleanWordText(s string) string {
	var (
		b     strings.Builder
		stack []bool // true once the field reached its result part
	)
	visible := func() bool {
		for _, inResult := range stack {
			if !inResult {
				return false
			}
		}
		return true
	}
	for _, r := range s {
		switch r {
		case 0x13:
			stack = append(stack, false)
			continue
		case 0x14:
			if len(stack) > 0 {
				stack[len(stack)-1] = true
			}
			continue
		case 0x15:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			continue
		}
		if !visible() {
			continue
		}
		switch r {
		case '\r', 0x0b, 0x0c:
			b.WriteByte('\n')
		case 0x07, '\t':
			b.WriteByte(' ')
		case 0x01, 0x08, 0x00:
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
