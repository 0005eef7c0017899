package embedcache

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

const fileMagic = "AEMB"

var validKey = regexp.MustCompile(`^[0-9a-f]{64}$`)

// FileCache keeps one file per entry so a damaged file only loses itself.
type FileCache struct {
	dir string
}

func NewFileCache(dir string) (*FileCache, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileCache{dir: dir}, nil
}

func (c *FileCache) path(key string) (string, error) {
	if !validKey.MatchString(key) {
		return "", fmt.Errorf("invalid cache key")
	}
	return filepath.Join(c.dir, key+".vec"), nil
}

func (c *FileCache) Get(key string) ([]float32, bool, error) {
	path, err := c.path(key)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	vec, err := decodeVector(data)
	if err != nil {
		logutil.GetLogger(context.Background()).Warn("drop corrupt embedding cache entry",
			zap.String("key", key), zap.Error(err))
		return nil, false, nil
	}
	return vec, true, nil
}

func (c *FileCache) Put(key string, vec []float32) error {
	path, err := c.path(key)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.dir, key+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(encodeVector(vec)); err != nil {
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

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 8+4*len(vec))
	copy(buf, fileMagic)
	binary.LittleEndian.PutUint32(buf[4:], uint32(len(vec)))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[8+4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(data []byte) ([]float32, error) {
	if len(data) < 8 || string(data[:4]) != fileMagic {
		return nil, fmt.Errorf("bad header")
	}
	dim := int(binary.LittleEndian.Uint32(data[4:]))
	if len(data) != 8+4*dim {
		return nil, fmt.Errorf("size mismatch: dim=%d bytes=%d", dim, len(data))
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[8+4*i:]))
	}
	return vec, nil
}
