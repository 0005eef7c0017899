package vectorindex

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

const (
	IndexFile    = "index.bin"
	MetadataFile = "metadata.json"

	indexMagic   = "AVIX"
	indexVersion = uint32(1)
)

type indexHeader struct {
	Version uint32
	Metric  uint32
	Dim     uint32
	Count   uint64
	NextID  int64
}

func metricCode(m Metric) uint32 {
	if m == MetricIP {
		return 1
	}
	return 0
}

// Exists reports whether dir holds a saved index.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, IndexFile))
	return err == nil
}

// Save writes the raw index and its metadata map into dir.
func (x *Index) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	if err := writeAtomic(filepath.Join(dir, IndexFile), x.writeIndex); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	meta := make(map[string]Entry, len(x.entries))
	for id, e := range x.entries {
		meta[strconv.FormatInt(id, 10)] = e
	}
	return writeAtomic(filepath.Join(dir, MetadataFile), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(meta)
	})
}

func (x *Index) writeIndex(w io.Writer) error {
	if _, err := io.WriteString(w, indexMagic); err != nil {
		return err
	}
	hdr := indexHeader{
		Version: indexVersion,
		Metric:  metricCode(x.metric),
		Dim:     uint32(x.dim),
		Count:   uint64(len(x.ids)),
		NextID:  x.nextID,
	}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return err
	}
	for slot, id := range x.ids {
		if err := binary.Write(w, binary.LittleEndian, id); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, x.vectors[slot]); err != nil {
			return err
		}
	}
	return nil
}

func writeAtomic(path string, fn func(w io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(tmp)
	if err := fn(bw); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Load rebuilds an index from the files written by Save.
func Load(dir string) (*Index, error) {
	f, err := os.Open(filepath.Join(dir, IndexFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	magic := make([]byte, len(indexMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, fmt.Errorf("read index header: %w", err)
	}
	if string(magic) != indexMagic {
		return nil, fmt.Errorf("not an index file")
	}
	var hdr indexHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("read index header: %w", err)
	}
	if hdr.Version != indexVersion {
		return nil, fmt.Errorf("unsupported index version %d", hdr.Version)
	}
	metric := MetricL2
	if hdr.Metric == 1 {
		metric = MetricIP
	}
	x, err := New(int(hdr.Dim), metric)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if err := checkIndexSize(info.Size(), hdr); err != nil {
		return nil, err
	}
	meta, err := readMetadata(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < hdr.Count; i++ {
		var id int64
		if err := binary.Read(r, binary.LittleEndian, &id); err != nil {
			return nil, fmt.Errorf("read vector %d: %w", i, err)
		}
		vec := make([]float32, x.dim)
		if err := binary.Read(r, binary.LittleEndian, vec); err != nil {
			return nil, fmt.Errorf("read vector %d: %w", i, err)
		}
		x.appendLocked(id, vec, meta[strconv.FormatInt(id, 10)])
		if id >= x.nextID {
			x.nextID = id + 1
		}
	}
	if hdr.NextID > x.nextID {
		x.nextID = hdr.NextID
	}
	return x, nil
}

// checkIndexSize rejects headers whose dim and count disagree with the
// bytes actually on disk.
func checkIndexSize(fileSize int64, hdr indexHeader) error {
	payload := fileSize - int64(len(indexMagic)) - int64(binary.Size(hdr))
	record := 8 + 4*int64(hdr.Dim)
	if payload < 0 || payload%record != 0 || uint64(payload/record) != hdr.Count {
		return fmt.Errorf("index file size %d does not match header (dim %d, count %d)", fileSize, hdr.Dim, hdr.Count)
	}
	return nil
}

func readMetadata(path string) (map[string]Entry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Entry{}, nil
	}
	if err != nil {
		return nil, err
	}
	meta := map[string]Entry{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}
