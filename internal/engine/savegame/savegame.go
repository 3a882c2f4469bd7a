// Package savegame writes and reads complete games: the game document,
// optionally its history, and the internal state of every delegate.
//
// A save file is a gzip stream holding one JSON header line followed by a gob
// stream: the DocumentV1, then the delegate list framed by string markers.
package savegame

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"strategos.gg/internal/engine/data"
	"strategos.gg/internal/engine/delegate"
	"strategos.gg/internal/engine/history"
)

const (
	Format        = "strategos-save"
	EngineVersion = "1.0"

	markerDelegateStart  = "<DelegateStart>"
	markerDelegateData   = "<DelegateData>"
	markerDelegateNoData = "<DelegateNoData>"
	markerEndDelegates   = "<EndDelegateList>"
)

var (
	ErrBadMarker          = errors.New("bad delegate marker")
	ErrIncompatible       = errors.New("incompatible engine version")
	ErrNotSaveGame        = errors.New("not a save game")
	ErrUnexpectedDelegate = errors.New("saved delegate not registered")
)

type Layer string

const (
	LayerIO          Layer = "io"
	LayerCompression Layer = "compression"
	LayerDecode      Layer = "decode"
)

// LoadError reports which layer of the file failed to load.
type LoadError struct {
	Path  string
	Layer Layer
	Err   error
}

func (e *LoadError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("load %s: %s: %v", e.Path, e.Layer, e.Err)
	}
	return fmt.Sprintf("load game: %s: %v", e.Layer, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Game is everything a save file holds.
type Game struct {
	Header    Header
	Data      *data.GameData
	History   *history.History
	Delegates *delegate.Set
	// StepFound is false when the saved step was missing from the sequence and
	// the cursor fell back to the first step.
	StepFound bool
}

type Options struct {
	WithHistory   bool
	WithDelegates bool
}

type LoadOptions struct {
	WithHistory bool
}

// Write serializes g. It takes the game data read lock for the document and
// history; delegate state is read without it.
func Write(w io.Writer, g *Game, opts Options) error {
	hdr, doc, err := capture(g, opts)
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(w)
	bw := bufio.NewWriterSize(zw, 64*1024)

	hb, err := json.Marshal(hdr)
	if err != nil {
		return err
	}
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	enc := gob.NewEncoder(bw)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("gob encode document: %w", err)
	}
	if opts.WithDelegates && g.Delegates != nil {
		for _, d := range g.Delegates.All() {
			if err := writeDelegate(enc, d); err != nil {
				return err
			}
		}
	}
	if err := enc.Encode(markerEndDelegates); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return zw.Close()
}

func capture(g *Game, opts Options) (Header, DocumentV1, error) {
	u := g.Data.AcquireReadLock()
	defer u.Unlock()

	doc := document(g.Data)
	hdr := Header{
		Format:        Format,
		EngineVersion: EngineVersion,
		GameName:      g.Data.Name(),
		Round:         doc.Sequence.Round,
		Step:          doc.Sequence.StepName,
		SavedAt:       time.Now().UTC().Unix(),
	}
	if opts.WithHistory && g.History != nil {
		rec, err := g.History.Export()
		if err != nil {
			return Header{}, DocumentV1{}, fmt.Errorf("export history: %w", err)
		}
		doc.History = historyV1(rec)
		hdr.WithHistory = true
	}
	doc.Header = hdr
	return hdr, doc, nil
}

func writeDelegate(enc *gob.Encoder, d delegate.Delegate) error {
	state, err := d.SaveState()
	if err != nil {
		return fmt.Errorf("save delegate %s: %w", d.Name(), err)
	}
	for _, v := range []string{markerDelegateStart, d.Name(), d.DisplayName(), d.TypeID()} {
		if err := enc.Encode(v); err != nil {
			return err
		}
	}
	if state == nil {
		return enc.Encode(markerDelegateNoData)
	}
	if err := enc.Encode(markerDelegateData); err != nil {
		return err
	}
	return enc.Encode(state)
}

// tracker remembers the first non-EOF error its reader returned. Every
// failure is blamed on the lowest layer that reported one: the raw reader
// (io), the gzip reader (compression, including corrupt deflate data, bad
// checksums and truncation), and otherwise the decoder.
type tracker struct {
	r   io.Reader
	err error
}

func (t *tracker) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}

// Read loads a game written by Write. Delegates are rebuilt through reg; a nil
// reg skips the delegate list.
func Read(r io.Reader, reg *delegate.Registry, opts LoadOptions) (*Game, error) {
	raw := &tracker{r: r}
	zr, err := gzip.NewReader(raw)
	if err != nil {
		if raw.err != nil {
			return nil, &LoadError{Layer: LayerIO, Err: raw.err}
		}
		return nil, &LoadError{Layer: LayerCompression, Err: err}
	}
	defer zr.Close()
	unzipped := &tracker{r: zr}
	br := bufio.NewReaderSize(unzipped, 64*1024)

	classify := func(err error) error {
		switch {
		case raw.err != nil:
			return &LoadError{Layer: LayerIO, Err: raw.err}
		case unzipped.err != nil:
			return &LoadError{Layer: LayerCompression, Err: unzipped.err}
		default:
			return &LoadError{Layer: LayerDecode, Err: err}
		}
	}

	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, classify(fmt.Errorf("read header: %w", err))
	}
	var hdr Header
	if err := json.Unmarshal(line, &hdr); err != nil || hdr.Format != Format {
		return nil, &LoadError{Layer: LayerDecode, Err: ErrNotSaveGame}
	}
	if !compatible(hdr.EngineVersion) {
		return nil, &LoadError{Layer: LayerDecode, Err: fmt.Errorf("%w: file %s, engine %s", ErrIncompatible, hdr.EngineVersion, EngineVersion)}
	}

	dec := gob.NewDecoder(br)
	var doc DocumentV1
	if err := dec.Decode(&doc); err != nil {
		return nil, classify(fmt.Errorf("gob decode document: %w", err))
	}
	gd, found, err := gameData(doc)
	if err != nil {
		return nil, &LoadError{Layer: LayerDecode, Err: err}
	}
	g := &Game{Header: hdr, Data: gd, History: history.New(gd), Delegates: delegate.NewSet(), StepFound: found}
	if opts.WithHistory && doc.History != nil {
		if err := g.History.Restore(doc.History.record()); err != nil {
			return nil, &LoadError{Layer: LayerDecode, Err: err}
		}
	}

	for {
		var marker string
		if err := dec.Decode(&marker); err != nil {
			return nil, classify(fmt.Errorf("read delegate marker: %w", err))
		}
		if marker == markerEndDelegates {
			break
		}
		if marker != markerDelegateStart {
			return nil, &LoadError{Layer: LayerDecode, Err: fmt.Errorf("%w: %q", ErrBadMarker, marker)}
		}
		d, err := readDelegate(dec, reg)
		if err != nil {
			var le *LoadError
			if errors.As(err, &le) {
				return nil, err
			}
			return nil, classify(err)
		}
		if d != nil {
			g.Delegates.Add(d)
		}
	}
	// Reading to the end makes gzip verify its checksum.
	if _, err := io.Copy(io.Discard, br); err != nil {
		return nil, classify(err)
	}
	return g, nil
}

func readDelegate(dec *gob.Decoder, reg *delegate.Registry) (delegate.Delegate, error) {
	var name, display, typeID, marker string
	for _, p := range []*string{&name, &display, &typeID, &marker} {
		if err := dec.Decode(p); err != nil {
			return nil, fmt.Errorf("read delegate record: %w", err)
		}
	}
	var state []byte
	switch marker {
	case markerDelegateNoData:
	case markerDelegateData:
		if err := dec.Decode(&state); err != nil {
			return nil, fmt.Errorf("read delegate %s state: %w", name, err)
		}
	default:
		return nil, &LoadError{Layer: LayerDecode, Err: fmt.Errorf("%w: %q after delegate %s", ErrBadMarker, marker, name)}
	}
	if reg == nil {
		return nil, nil
	}
	d, err := reg.Create(typeID, name, display)
	if err != nil {
		return nil, &LoadError{Layer: LayerDecode, Err: fmt.Errorf("%w: %v", ErrUnexpectedDelegate, err)}
	}
	if state != nil {
		if err := d.LoadState(state); err != nil {
			return nil, &LoadError{Layer: LayerDecode, Err: fmt.Errorf("load delegate %s state: %w", name, err)}
		}
	}
	return d, nil
}

func compatible(version string) bool {
	major, _, _ := strings.Cut(version, ".")
	want, _, _ := strings.Cut(EngineVersion, ".")
	return major == want
}

// ToBytes serializes g with history and delegates, as sent to joining observers.
func ToBytes(g *Game) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, g, Options{WithHistory: true, WithDelegates: true}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func FromBytes(b []byte, reg *delegate.Registry) (*Game, error) {
	return Read(bytes.NewReader(b), reg, LoadOptions{WithHistory: true})
}

// WriteFile saves g to path through a temporary file in the same directory.
func WriteFile(path string, g *Game, opts Options) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := Write(tmp, g, opts); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func ReadFile(path string, reg *delegate.Registry, opts LoadOptions) (*Game, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &LoadError{Path: path, Layer: LayerIO, Err: err}
	}
	defer f.Close()
	g, err := Read(f, reg, opts)
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.Path = path
		}
		return nil, err
	}
	return g, nil
}

// ReadHeader returns the header line of a save file without decoding the body.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, &LoadError{Path: path, Layer: LayerIO, Err: err}
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return Header{}, &LoadError{Path: path, Layer: LayerCompression, Err: err}
	}
	defer zr.Close()
	line, err := bufio.NewReader(zr).ReadBytes('\n')
	if err != nil {
		return Header{}, &LoadError{Path: path, Layer: LayerCompression, Err: err}
	}
	var hdr Header
	if err := json.Unmarshal(line, &hdr); err != nil || hdr.Format != Format {
		return Header{}, &LoadError{Path: path, Layer: LayerDecode, Err: ErrNotSaveGame}
	}
	return hdr, nil
}
